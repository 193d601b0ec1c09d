package core

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileAuditLoggerAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewFileAuditLogger(path)
	require.NoError(t, err)

	ctx := context.Background()
	e := NewEvent(EventActedAsTrustor, 42, "bob", "alice")
	e.Beneficiary = "bob"
	l.Log(ctx, e)
	l.Log(ctx, NewEvent(EventPingedAlive, 43, "alice", "alice"))
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)

	assert.Equal(t, string(EventActedAsTrustor), lines[0]["msg"])
	assert.Equal(t, "alice", lines[0]["trustor"])
	assert.Equal(t, "bob", lines[0]["beneficiary"])
	assert.EqualValues(t, 42, lines[0]["tick"])
	assert.Equal(t, e.ID, lines[0]["id"])

	_, hasBeneficiary := lines[1]["beneficiary"]
	assert.False(t, hasBeneficiary)
}

func TestMemoryAuditLoggerFilters(t *testing.T) {
	l := NewMemoryAuditLogger()
	ctx := context.Background()
	l.Log(ctx, NewEvent(EventCreatedContract, 1, "a", "a"))
	l.Log(ctx, NewEvent(EventRelayDenied, 2, "b", "a"))
	l.Log(ctx, NewEvent(EventRelayDenied, 3, "c", "a"))

	assert.Len(t, l.Events(), 3)
	denied := l.OfType(EventRelayDenied)
	require.Len(t, denied, 2)
	assert.Equal(t, Tick(3), denied[1].Tick)
	assert.NotEqual(t, denied[0].ID, denied[1].ID)
}
