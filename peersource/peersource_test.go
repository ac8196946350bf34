package peersource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestReadOnceSkipsBlanksAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	writeFile(t, path, "# comment\n\n1.2.3.4:8333\n   \n5.6.7.8:8333\n")

	s := New(path, nil)
	var got []string
	require.NoError(t, s.readOnce(context.Background(), func(addr string) { got = append(got, addr) }))

	require.Equal(t, []string{"1.2.3.4:8333", "5.6.7.8:8333"}, got)
}

func TestReadOnceDoesNotReannounceSeenAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	writeFile(t, path, "1.2.3.4:8333\n")

	s := New(path, nil)
	var got []string
	add := func(addr string) { got = append(got, addr) }

	require.NoError(t, s.readOnce(context.Background(), add))
	require.NoError(t, s.readOnce(context.Background(), add))

	require.Equal(t, []string{"1.2.3.4:8333"}, got)
}

func TestWatchPicksUpAppendedAddresses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.txt")
	writeFile(t, path, "1.2.3.4:8333\n")

	s := New(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(addr string) { seen <- addr }) }()

	require.Equal(t, "1.2.3.4:8333", <-seen)

	// Append a new address; fsnotify should report the write and trigger a
	// re-read that reports only the new, previously-unseen line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("9.9.9.9:8333\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case addr := <-seen:
		require.Equal(t, "9.9.9.9:8333", addr)
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not observe the appended address")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after ctx cancellation")
	}
}
