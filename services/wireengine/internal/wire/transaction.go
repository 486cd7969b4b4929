package wire

import "fmt"

// Role identifies which side of a stream a Transaction is being built for
// (§3.1).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// MetadataEntry is a single (key, value) pair. Order among entries is
// significant and is preserved on delivery (§3.1).
type MetadataEntry struct {
	Key   []byte
	Value []byte
}

// Metadata is an ordered sequence of entries; no deduplication happens at
// this layer.
type Metadata []MetadataEntry

// Transaction is a builder for a single outbound logical frame bound to a
// stream (§3.1). Fields are all optional except TxCode and Role; setting a
// field sets its flag bit and asserts the bit was previously clear — a
// Transaction may carry at most one Prefix, one MessageData payload and
// one Suffix.
type Transaction struct {
	TxCode uint32
	Role   Role

	flags Flags

	methodRef       string
	prefixMetadata  Metadata
	messageData     []byte
	suffixMetadata  Metadata
	status          uint16
	statusDesc      string
}

// NewTransaction creates an empty builder for txCode under role.
func NewTransaction(txCode uint32, role Role) *Transaction {
	return &Transaction{TxCode: txCode, Role: role}
}

func (t *Transaction) setFlag(bit Flags, name string) error {
	if t.flags.Has(bit) {
		return fmt.Errorf("wire: %s already set on transaction for tx code %d", name, t.TxCode)
	}
	t.flags |= bit
	return nil
}

// SetPrefix attaches initial metadata, and on the client side a method
// reference. methodRef must be empty when Role is RoleServer (§3.1).
func (t *Transaction) SetPrefix(methodRef string, md Metadata) error {
	if err := t.setFlag(FlagPrefix, "prefix"); err != nil {
		return err
	}
	if t.Role == RoleServer && methodRef != "" {
		return fmt.Errorf("wire: method_ref is client-only")
	}
	t.methodRef = methodRef
	t.prefixMetadata = md
	return nil
}

// SetMessage attaches the full logical message payload. Fragmentation
// across parcels is the writer's concern, not the builder's (§4.3.2).
func (t *Transaction) SetMessage(data []byte) error {
	if err := t.setFlag(FlagMessageData, "message data"); err != nil {
		return err
	}
	t.messageData = data
	return nil
}

// SetSuffix attaches trailing metadata and, for the server role, a status.
// Suffix metadata must be empty when Role is RoleClient (§3.1).
func (t *Transaction) SetSuffix(md Metadata, status uint16, statusDescription string) error {
	if err := t.setFlag(FlagSuffix, "suffix"); err != nil {
		return err
	}
	if t.Role == RoleClient && len(md) > 0 {
		return fmt.Errorf("wire: suffix metadata must be empty for client role")
	}
	t.suffixMetadata = md
	if t.Role == RoleServer {
		t.status = status
	}
	if statusDescription != "" {
		t.flags |= FlagStatusDescription
		t.statusDesc = statusDescription
	}
	return nil
}

// HasPrefix, HasMessage and HasSuffix report which fields the caller set.
func (t *Transaction) HasPrefix() bool  { return t.flags.Has(FlagPrefix) }
func (t *Transaction) HasMessage() bool { return t.flags.Has(FlagMessageData) }
func (t *Transaction) HasSuffix() bool  { return t.flags.Has(FlagSuffix) }

// Empty reports whether no field was ever set, a transaction with nothing
// to emit.
func (t *Transaction) Empty() bool { return t.flags == 0 }
