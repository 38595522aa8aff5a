package fiourl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAllFieldsPresent(t *testing.T) {
	u := Parse("http://u:p@host:80/a/b?k=v#t")
	require.Equal(t, "http", string(u.Scheme))
	require.Equal(t, "u", string(u.User))
	require.Equal(t, "p", string(u.Password))
	require.Equal(t, "host", string(u.Host))
	require.Equal(t, "80", string(u.Port))
	require.Equal(t, "/a/b", string(u.Path))
	require.Equal(t, "k=v", string(u.Query))
	require.Equal(t, "t", string(u.Target))
}

func TestRoundTrip(t *testing.T) {
	raw := "http://u:p@host:80/a/b?k=v#t"
	u := Parse(raw)
	require.Equal(t, raw, u.String())
}

func TestMissingFieldsAreNil(t *testing.T) {
	u := Parse("/just/a/path")
	require.Nil(t, u.Scheme)
	require.Nil(t, u.User)
	require.Nil(t, u.Password)
	require.Nil(t, u.Port)
	require.Equal(t, "/just/a/path", string(u.Path))
}

func TestUnixSocketPathNoAuth(t *testing.T) {
	u := Parse("unix:///tmp/fio.sock")
	require.Equal(t, "unix", string(u.Scheme))
	require.Equal(t, "/tmp/fio.sock", string(u.Path))
}
