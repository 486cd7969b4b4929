package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingSameFieldTwiceIsRejected(t *testing.T) {
	txn := NewTransaction(FirstCallId, RoleClient)
	require.NoError(t, txn.SetMessage([]byte("a")))
	err := txn.SetMessage([]byte("b"))
	assert.Error(t, err)
}

func TestClientSuffixMetadataMustBeEmpty(t *testing.T) {
	txn := NewTransaction(FirstCallId, RoleClient)
	err := txn.SetSuffix(Metadata{{Key: []byte("k"), Value: []byte("v")}}, 0, "")
	assert.Error(t, err)
}

func TestServerSuffixMayCarryMetadataAndStatus(t *testing.T) {
	txn := NewTransaction(FirstCallId, RoleServer)
	require.NoError(t, txn.SetSuffix(Metadata{{Key: []byte("k"), Value: []byte("v")}}, 5, "bad"))
	assert.True(t, txn.HasSuffix())
}

func TestMethodRefIsClientOnly(t *testing.T) {
	txn := NewTransaction(FirstCallId, RoleServer)
	err := txn.SetPrefix("should-fail", nil)
	assert.Error(t, err)
}

func TestEmptyTransactionHasNoFlags(t *testing.T) {
	txn := NewTransaction(FirstCallId, RoleClient)
	assert.True(t, txn.Empty())
}
