package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCachingPolicyMemoizesResult(t *testing.T) {
	calls := 0
	policy := NewCachingPolicy(func(c Credential) bool {
		calls++
		return c == "uid-1"
	})

	assert.True(t, policy.IsAuthorized("uid-1"))
	assert.True(t, policy.IsAuthorized("uid-1"))
	assert.False(t, policy.IsAuthorized("uid-2"))
	assert.Equal(t, 2, calls, "each distinct credential evaluated once")
}

func TestNilPredicateAllowsAll(t *testing.T) {
	policy := NewCachingPolicy(nil)
	assert.True(t, policy.IsAuthorized("anyone"))
}

func TestForgetEvictsCache(t *testing.T) {
	calls := 0
	policy := NewCachingPolicy(func(c Credential) bool {
		calls++
		return true
	})
	policy.IsAuthorized("uid-1")
	policy.Forget("uid-1")
	policy.IsAuthorized("uid-1")
	assert.Equal(t, 2, calls)
}
