package daemon

import (
	"sort"

	"github.com/cepro/meterlogger/acuvim2"
	"github.com/cepro/meterlogger/meterexec"
	"github.com/cepro/meterlogger/meterrandom"
	"github.com/cepro/meterlogger/modbus"
	"github.com/cepro/meterlogger/protocol"
)

// protocolFactory creates an unopened meter of one protocol variant from its option map.
type protocolFactory struct {
	details protocol.Details
	new     func(options map[string]any) (protocol.Protocol, error)
}

var protocols = map[string]protocolFactory{
	meterexec.Details.Name: {
		details: meterexec.Details,
		new: func(options map[string]any) (protocol.Protocol, error) {
			m, err := meterexec.New(options)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	},
	meterrandom.Details.Name: {
		details: meterrandom.Details,
		new: func(options map[string]any) (protocol.Protocol, error) {
			m, err := meterrandom.New(options)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	},
	modbus.Details.Name: {
		details: modbus.Details,
		new: func(options map[string]any) (protocol.Protocol, error) {
			m, err := modbus.New(options)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	},
	acuvim2.Details.Name: {
		details: acuvim2.Details,
		new: func(options map[string]any) (protocol.Protocol, error) {
			m, err := acuvim2.New(options)
			if err != nil {
				return nil, err
			}
			return m, nil
		},
	},
}

// Protocols returns the details of every supported protocol, sorted by name.
func Protocols() []protocol.Details {
	details := make([]protocol.Details, 0, len(protocols))
	for _, factory := range protocols {
		details = append(details, factory.details)
	}
	sort.Slice(details, func(i, j int) bool {
		return details[i].Name < details[j].Name
	})
	return details
}
