package reconcile

import (
	"strconv"

	"github.com/lithammer/shortuuid/v4"
)

// ID identifies a message in a View. It is either provisional, created
// locally before the server acknowledged the message, or persisted.
// Only persisted ids may be sent to the server.
type ID struct {
	temp   string
	server int64
}

// Provisional returns a local, not yet acknowledged id.
func Provisional(temp string) ID { return ID{temp: temp} }

// Persisted returns the id the server assigned.
func Persisted(serverID int64) ID { return ID{server: serverID} }

// NewProvisional returns a fresh provisional id.
func NewProvisional() ID { return Provisional("tmp-" + shortuuid.New()) }

// IsPersisted reports whether the server has assigned this id.
func (id ID) IsPersisted() bool { return id.server != 0 }

// ServerID returns the server id and whether id is persisted.
func (id ID) ServerID() (int64, bool) { return id.server, id.server != 0 }

func (id ID) String() string {
	if id.IsPersisted() {
		return strconv.FormatInt(id.server, 10)
	}
	return id.temp
}
