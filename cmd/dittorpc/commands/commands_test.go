package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/portmap"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func startPortmapper(t *testing.T) *portmap.Server {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	srv, err := portmap.NewServer(portmap.ServerConfig{Host: "127.0.0.1", Ephemeral: true})
	require.NoError(t, err)
	require.NoError(t, srv.Listen())
	srv.Registry().RegisterPortmapper(srv.Port())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		srv.Stop()
	})

	select {
	case <-srv.WaitReady():
	case <-time.After(2 * time.Second):
		t.Fatal("portmapper did not become ready")
	}
	return srv
}

// runCLI executes the root command and returns what it printed.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func rpcinfoArgs(port int, args ...string) []string {
	base := []string{"rpcinfo", "--log-level", "ERROR", "--host", "127.0.0.1", "--port", strconv.Itoa(port), "--tcp=false"}
	return append(base, args...)
}

// ============================================================================
// rpcinfo
// ============================================================================

func TestRPCInfoSetDumpUnset(t *testing.T) {
	srv := startPortmapper(t)
	port := srv.Port()

	out, err := runCLI(t, rpcinfoArgs(port, "set", "nfs", "3", "tcp", "2049")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Registered 100003/3/tcp:2049")

	out, err = runCLI(t, rpcinfoArgs(port, "getport", "100003", "3", "tcp")...)
	require.NoError(t, err)
	assert.Equal(t, "2049", strings.TrimSpace(out))

	out, err = runCLI(t, rpcinfoArgs(port, "dump", "-o", "json")...)
	require.NoError(t, err)
	var list []mappingView
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 3)
	assert.Equal(t, uint32(100000), list[0].Program)
	assert.Equal(t, "portmapper", list[0].Service)
	assert.Equal(t, mappingView{Program: 100003, Version: 3, Protocol: "tcp", Port: 2049, Service: "nfs"}, list[2])

	out, err = runCLI(t, rpcinfoArgs(port, "unset", "nfs", "3")...)
	require.NoError(t, err)
	assert.Contains(t, out, "Unregistered program 100003 version 3")

	_, err = runCLI(t, rpcinfoArgs(port, "unset", "nfs", "3")...)
	assert.Error(t, err, "second unset finds nothing to remove")

	_, err = runCLI(t, rpcinfoArgs(port, "getport", "100003", "3", "tcp")...)
	assert.Error(t, err)
}

func TestRPCInfoSetRefusesPortmapper(t *testing.T) {
	srv := startPortmapper(t)

	_, err := runCLI(t, rpcinfoArgs(srv.Port(), "set", "portmapper", "2", "udp", "5000")...)
	assert.Error(t, err)
}

func TestRPCInfoDumpTable(t *testing.T) {
	srv := startPortmapper(t)

	out, err := runCLI(t, rpcinfoArgs(srv.Port(), "dump", "-o", "table")...)
	require.NoError(t, err)
	assert.Contains(t, out, "program")
	assert.Contains(t, out, "portmapper")
	assert.Contains(t, out, strconv.Itoa(srv.Port()))
}

func TestRPCInfoPing(t *testing.T) {
	srv := startPortmapper(t)

	out, err := runCLI(t, rpcinfoArgs(srv.Port(), "ping", "portmapper", "2")...)
	require.NoError(t, err)
	assert.Contains(t, out, "program 100000 version 2 ready and waiting")
}

// ============================================================================
// Helpers
// ============================================================================

func TestParseProgram(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"100003", 100003, false},
		{"nfs", 100003, false},
		{"MOUNTD", 100005, false},
		{"portmapper", 100000, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseProgram(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseProtocol(t *testing.T) {
	p, err := parseProtocol("TCP")
	require.NoError(t, err)
	assert.Equal(t, rpc.ProtoTCP, p)

	p, err = parseProtocol("17")
	require.NoError(t, err)
	assert.Equal(t, rpc.ProtoUDP, p)

	_, err = parseProtocol("sctp")
	assert.Error(t, err)
}

func TestMappingListSorted(t *testing.T) {
	list := newMappingList([]xdr.Mapping{
		{Prog: 100005, Vers: 3, Prot: rpc.ProtoUDP, Port: 635},
		{Prog: 100000, Vers: 2, Prot: rpc.ProtoTCP, Port: 111},
		{Prog: 100005, Vers: 1, Prot: rpc.ProtoUDP, Port: 635},
	})

	require.Len(t, list, 3)
	assert.Equal(t, uint32(100000), list[0].Program)
	assert.Equal(t, uint32(1), list[1].Version)
	assert.Equal(t, uint32(3), list[2].Version)
	assert.Equal(t, []string{"100005", "3", "udp", "635", "mountd"}, list.Rows()[2])
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "dittorpc dev")
}
