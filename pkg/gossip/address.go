package gossip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AddressSize is the encoded width of an Address: a 4-byte id followed by
// a 2-byte port.
const AddressSize = 6

// Address identifies a group member. It is comparable and used as the
// member key everywhere.
type Address struct {
	ID   uint32
	Port uint16
}

func (a Address) String() string {
	return strconv.FormatUint(uint64(a.ID), 10) + ":" + strconv.FormatUint(uint64(a.Port), 10)
}

// IsZero reports whether a is the null address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ParseAddress parses the "<id>:<port>" form produced by String. A bare
// "<id>" is accepted with port 0.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	idStr, portStr, hasPort := strings.Cut(s, ":")

	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return Address{}, errors.Wrapf(err, "invalid address id in %q", s)
	}

	var port uint64
	if hasPort {
		port, err = strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Address{}, errors.Wrapf(err, "invalid address port in %q", s)
		}
	}

	return Address{ID: uint32(id), Port: uint16(port)}, nil
}

// MustParseAddress is like ParseAddress but panics on error.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(fmt.Sprintf("gossip: %v", err))
	}
	return a
}
