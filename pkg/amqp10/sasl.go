package amqp10

import (
	"bytes"
	"fmt"
)

// Mechanism is a client-side SASL mechanism. Start produces the initial
// response for SaslInit; Step answers server challenges until the server
// sends SaslOutcome.
type Mechanism interface {
	Name() string
	Start() ([]byte, error)
	Step(challenge []byte) ([]byte, error)
}

type plainMechanism struct {
	username string
	password string
}

// SASLPlain authenticates with the PLAIN mechanism.
func SASLPlain(username, password string) Mechanism {
	return &plainMechanism{username: username, password: password}
}

func (m *plainMechanism) Name() string { return "PLAIN" }

func (m *plainMechanism) Start() ([]byte, error) {
	// authzid NUL authcid NUL passwd
	resp := make([]byte, 0, len(m.username)+len(m.password)+2)
	resp = append(resp, 0)
	resp = append(resp, m.username...)
	resp = append(resp, 0)
	resp = append(resp, m.password...)
	return resp, nil
}

func (m *plainMechanism) Step(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("PLAIN: unexpected challenge")
}

type anonymousMechanism struct{}

// SASLAnonymous authenticates with the ANONYMOUS mechanism.
func SASLAnonymous() Mechanism {
	return anonymousMechanism{}
}

func (anonymousMechanism) Name() string { return "ANONYMOUS" }

func (anonymousMechanism) Start() ([]byte, error) { return []byte{}, nil }

func (anonymousMechanism) Step(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("ANONYMOUS: unexpected challenge")
}

// AuthFunc is called on the server during the SASL exchange to validate
// credentials. It receives the selected mechanism and the raw initial
// response bytes. A non-nil error fails the exchange with an
// authentication outcome and the connection is closed.
type AuthFunc func(mechanism string, response []byte) error

// ParsePlainResponse splits a PLAIN initial response into its authzid,
// username and password parts.
func ParsePlainResponse(response []byte) (authzid, username, password string, err error) {
	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed PLAIN response")
	}
	return string(parts[0]), string(parts[1]), string(parts[2]), nil
}

// serverMechanisms lists what a server with an AuthFunc advertises.
var serverMechanisms = []symbol{"PLAIN", "ANONYMOUS"}
