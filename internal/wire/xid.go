package wire

import (
	"encoding/hex"
	"fmt"
)

// Xid is a global transaction identifier for two-phase commit:
// {formatId, globalTxId, branchQualifier}. Field widths mirror the XA
// standard (gtrid/bqual each capped at 64 bytes), which is also what
// MySQL's native `XA START/END/...` SQL surface expects.
type Xid struct {
	FormatID        int32
	GlobalTxnID     []byte
	BranchQualifier []byte
}

const xaMaxIDLen = 64

// Validate checks the XA standard's field-width limits.
func (x Xid) Validate() error {
	if len(x.GlobalTxnID) == 0 || len(x.GlobalTxnID) > xaMaxIDLen {
		return NewError(KindXaProtocolViolation, "global transaction id must be 1..%d bytes, got %d", xaMaxIDLen, len(x.GlobalTxnID))
	}
	if len(x.BranchQualifier) > xaMaxIDLen {
		return NewError(KindXaProtocolViolation, "branch qualifier must be <= %d bytes, got %d", xaMaxIDLen, len(x.BranchQualifier))
	}
	return nil
}

// Key returns a stable map key for this Xid, used by the XA transaction
// registry to index bindings.
func (x Xid) Key() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalTxnID), hex.EncodeToString(x.BranchQualifier))
}

func (x Xid) String() string {
	return x.Key()
}

// SQLLiteral renders the Xid the way MySQL's `XA START`/`XA END`/... SQL
// statements expect: 'gtrid','bqual',formatId, hex-encoded to sidestep
// quoting of arbitrary bytes.
func (x Xid) SQLLiteral() string {
	return fmt.Sprintf("0x%s,0x%s,%d", hex.EncodeToString(x.GlobalTxnID), hex.EncodeToString(x.BranchQualifier), x.FormatID)
}
