package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// DecodeOptions decodes a free-form option map (meter options or a middleware target) into the typed `target` struct.
// Numbers given as strings are converted and durations may be given as strings like "10s".
func DecodeOptions(options map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           target,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}

	err = decoder.Decode(options)
	if err != nil {
		return &Error{Msg: fmt.Sprintf("decode options: %v", err)}
	}

	return nil
}
