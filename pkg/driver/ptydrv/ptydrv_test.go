//go:build !windows

package ptydrv

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"corral/pkg/driver"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnShell(t *testing.T) (*Driver, string) {
	t.Helper()
	d := New([]string{"/bin/sh"})
	d.KillTimeout = 500 * time.Millisecond
	id, err := d.Spawn(context.Background(), t.TempDir())
	var spawnErr *driver.SpawnError
	if errors.As(err, &spawnErr) {
		t.Skipf("no pty available: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close(context.Background(), id) })
	return d, id
}

func waitForOutput(t *testing.T, d *Driver, id, want string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		out, err := d.ReadOutput(context.Background(), id)
		require.NoError(t, err)
		if strings.Contains(out, want) {
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output of %s never contained %q", id, want)
	return ""
}

func TestSpawnSendRead(t *testing.T) {
	d, id := spawnShell(t)
	assert.True(t, strings.HasPrefix(id, IDPrefix))
	assert.True(t, d.Owns(id))

	require.NoError(t, d.Send(context.Background(), id, "echo corral-$((40+2))"))
	waitForOutput(t, d, id, "corral-42")

	ids, err := d.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, ids)
}

func TestCloseKillsAndForgets(t *testing.T) {
	d, id := spawnShell(t)

	require.NoError(t, d.Close(context.Background(), id))
	ids, err := d.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = d.ReadOutput(context.Background(), id)
	var readErr *driver.ReadError
	assert.ErrorAs(t, err, &readErr)

	err = d.Send(context.Background(), id, "echo hi")
	var sendErr *driver.SendError
	assert.ErrorAs(t, err, &sendErr)

	assert.NoError(t, d.Close(context.Background(), id), "second close is a no-op")
}

func TestSendAfterExit(t *testing.T) {
	d, id := spawnShell(t)
	require.NoError(t, d.Send(context.Background(), id, "exit 0"))

	s, ok := d.get(id)
	require.True(t, ok)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}

	err := d.Send(context.Background(), id, "echo late")
	var sendErr *driver.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, errExited)

	_, err = d.ReadOutput(context.Background(), id)
	assert.NoError(t, err, "output stays readable until close")
}

func TestSpawnBadCommand(t *testing.T) {
	d := New([]string{"/definitely/not/a/binary"})
	_, err := d.Spawn(context.Background(), t.TempDir())
	var spawnErr *driver.SpawnError
	require.ErrorAs(t, err, &spawnErr)
}
