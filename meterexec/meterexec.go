// Package meterexec implements the `exec` protocol: every read runs an external command and parses readings from
// its standard output.
package meterexec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/protocol"
	"github.com/cepro/meterlogger/telemetry"
	"github.com/kballard/go-shellquote"
)

const (
	defaultFormat  = "$v"
	defaultTimeout = 10 * time.Second

	// waitDelay bounds how long a read waits for output pipes after the command was killed
	waitDelay = time.Second
)

var Details = protocol.Details{
	Name:        "exec",
	Description: "Parse readings from the output of an external command",
	Periodic:    true,
	MaxReadings: 32,
}

// Options configures the command to run and how its output is formatted.
//
// The format describes a single line of output. `$v` marks the value, `$t` an optional unix timestamp in (fractional)
// seconds and `$i` an optional identifier. Any other text must appear literally, runs of whitespace match any amount
// of whitespace.
type Options struct {
	Command string        `mapstructure:"command"`
	Format  string        `mapstructure:"format"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type token int

const (
	tokenValue token = iota
	tokenTime
	tokenIdentifier
)

// Meter runs an external command every time it is read.
type Meter struct {
	options Options
	argv    []string
	line    *regexp.Regexp
	tokens  []token // the capture groups of `line`, in order

	closer protocol.CloseOnce
	logger *slog.Logger
	now    func() time.Time
}

func New(options map[string]any) (*Meter, error) {
	opts := Options{
		Format:  defaultFormat,
		Timeout: defaultTimeout,
	}
	err := config.DecodeOptions(options, &opts)
	if err != nil {
		return nil, err
	}

	return &Meter{
		options: opts,
		logger:  slog.Default().With("protocol", Details.Name, "command", opts.Command),
		now:     time.Now,
	}, nil
}

// Open validates the command line and compiles the output format.
func (m *Meter) Open(ctx context.Context) error {
	if strings.TrimSpace(m.options.Command) == "" {
		return &protocol.OpenError{Protocol: Details.Name, Err: errors.New("no command configured")}
	}

	argv, err := shellquote.Split(m.options.Command)
	if err != nil {
		return &protocol.OpenError{Protocol: Details.Name, Err: fmt.Errorf("split command: %w", err)}
	}
	if len(argv) == 0 {
		return &protocol.OpenError{Protocol: Details.Name, Err: errors.New("empty command")}
	}

	line, tokens, err := compileFormat(m.options.Format)
	if err != nil {
		return &protocol.OpenError{Protocol: Details.Name, Err: fmt.Errorf("compile format: %w", err)}
	}

	m.argv = argv
	m.line = line
	m.tokens = tokens

	return nil
}

// Read runs the command once and returns up to `max` readings parsed from its output. Lines that do not match the
// format are skipped with a warning.
func (m *Meter) Read(ctx context.Context, max int) ([]telemetry.Reading, error) {
	if m.line == nil {
		return nil, protocol.IOError(errors.New("meter is not open"))
	}

	ctx, cancel := context.WithTimeout(ctx, m.options.Timeout)
	defer cancel()

	output, err := m.command(ctx).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, protocol.IOError(fmt.Errorf("run command: %w: %s", err, bytes.TrimSpace(exitErr.Stderr)))
		}
		return nil, protocol.IOError(fmt.Errorf("run command: %w", err))
	}

	readings := m.parse(output, max)
	if len(readings) == 0 {
		return nil, protocol.ParseError(fmt.Errorf("no readings in command output %q", output))
	}

	return readings, nil
}

// command builds the process for one read. Cancelling `ctx` kills the command and everything it started, and the
// read gives up on pipes still held open by other processes after waitDelay.
func (m *Meter) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, m.argv[0], m.argv[1:]...)
	killProcessGroup(cmd)
	cmd.WaitDelay = waitDelay
	return cmd
}

// Close is a no-op, every read starts and waits for its own process.
func (m *Meter) Close() error {
	return m.closer.Do(func() error {
		m.line = nil
		return nil
	})
}

func (m *Meter) parse(output []byte, max int) []telemetry.Reading {
	var readings []telemetry.Reading

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if max > 0 && len(readings) >= max {
			m.logger.Warn("Discarding surplus command output", "max_readings", max)
			break
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		reading, err := m.parseLine(text)
		if err != nil {
			m.logger.Warn("Skipping malformed line", "line", text, "error", err)
			continue
		}
		readings = append(readings, reading)
	}

	return readings
}

func (m *Meter) parseLine(text string) (telemetry.Reading, error) {
	match := m.line.FindStringSubmatch(text)
	if match == nil {
		return telemetry.Reading{}, fmt.Errorf("does not match format %q", m.options.Format)
	}

	reading := telemetry.Reading{Time: m.now()}
	for i, tok := range m.tokens {
		field := match[i+1]
		switch tok {
		case tokenValue:
			value, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return telemetry.Reading{}, fmt.Errorf("parse value: %w", err)
			}
			reading.Value = value
		case tokenTime:
			secs, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return telemetry.Reading{}, fmt.Errorf("parse timestamp: %w", err)
			}
			whole, frac := math.Modf(secs)
			reading.Time = time.Unix(int64(whole), int64(frac*1e9))
		case tokenIdentifier:
			reading.Tag = field
		}
	}

	return reading, nil
}

// compileFormat turns a format such as "$i: $v" into an anchored regular expression and the order of its fields.
func compileFormat(format string) (*regexp.Regexp, []token, error) {
	format = strings.TrimSpace(format)

	var pattern strings.Builder
	var tokens []token
	seen := map[token]bool{}

	pattern.WriteString("^")
	for i := 0; i < len(format); i++ {
		c := format[i]

		if c == '$' && i+1 < len(format) {
			tok, group, ok := lookupToken(format[i+1])
			if ok {
				if seen[tok] {
					return nil, nil, fmt.Errorf("token $%c used more than once", format[i+1])
				}
				seen[tok] = true
				tokens = append(tokens, tok)
				pattern.WriteString(group)
				i++
				continue
			}
		}

		if c == ' ' || c == '\t' {
			for i+1 < len(format) && (format[i+1] == ' ' || format[i+1] == '\t') {
				i++
			}
			pattern.WriteString(`\s+`)
			continue
		}

		pattern.WriteString(regexp.QuoteMeta(string(c)))
	}
	pattern.WriteString("$")

	if !seen[tokenValue] {
		return nil, nil, fmt.Errorf("format %q has no $v", format)
	}

	line, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, nil, err
	}

	return line, tokens, nil
}

func lookupToken(c byte) (token, string, bool) {
	switch c {
	case 'v':
		return tokenValue, `([-+]?(?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][-+]?[0-9]+)?)`, true
	case 't':
		return tokenTime, `([0-9]+(?:\.[0-9]+)?)`, true
	case 'i':
		return tokenIdentifier, `(\S+?)`, true
	default:
		return 0, "", false
	}
}
