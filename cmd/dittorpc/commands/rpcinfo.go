package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/marmos91/dittorpc/internal/cli/output"
	"github.com/marmos91/dittorpc/internal/protocol/rpc"
	"github.com/marmos91/dittorpc/pkg/portmap"
	"github.com/marmos91/dittorpc/pkg/portmap/types"
	"github.com/marmos91/dittorpc/pkg/portmap/xdr"
	"github.com/spf13/cobra"
)

// Well-known program numbers, for name lookup in arguments and output.
var programNames = map[uint32]string{
	100000: "portmapper",
	100003: "nfs",
	100005: "mountd",
	100021: "nlockmgr",
	100024: "status",
	100227: "nfs_acl",
}

var (
	rpcHost   string
	rpcPort   int
	rpcTCP    bool
	rpcOutput string
)

var rpcinfoCmd = &cobra.Command{
	Use:   "rpcinfo",
	Short: "Query a portmapper",
	Long: `Query and modify the registrations of a portmapper.

Examples:
  # List every registration on the local portmapper
  dittorpc rpcinfo dump

  # Find the UDP port of mountd version 3
  dittorpc rpcinfo getport mountd 3 udp

  # Check that NFS version 3 answers over TCP
  dittorpc rpcinfo ping nfs 3 --tcp`,
}

var rpcinfoDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "List every registration",
	Args:  cobra.NoArgs,
	RunE:  runRPCInfoDump,
}

var rpcinfoGetportCmd = &cobra.Command{
	Use:   "getport <program> <version> [tcp|udp]",
	Short: "Look up the port of a program",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  runRPCInfoGetport,
}

var rpcinfoPingCmd = &cobra.Command{
	Use:   "ping <program> <version>",
	Short: "Call procedure 0 of a registered program",
	Args:  cobra.ExactArgs(2),
	RunE:  runRPCInfoPing,
}

var rpcinfoSetCmd = &cobra.Command{
	Use:   "set <program> <version> <tcp|udp> <port>",
	Short: "Register a mapping",
	Args:  cobra.ExactArgs(4),
	RunE:  runRPCInfoSet,
}

var rpcinfoUnsetCmd = &cobra.Command{
	Use:   "unset <program> <version>",
	Short: "Remove every mapping of a program version",
	Args:  cobra.ExactArgs(2),
	RunE:  runRPCInfoUnset,
}

func init() {
	rpcinfoCmd.PersistentFlags().StringVar(&rpcHost, "host", "127.0.0.1", "portmapper host")
	rpcinfoCmd.PersistentFlags().IntVar(&rpcPort, "port", types.DefaultPort, "portmapper port")
	rpcinfoCmd.PersistentFlags().BoolVarP(&rpcTCP, "tcp", "t", false, "talk to the portmapper over TCP")
	rpcinfoCmd.PersistentFlags().StringVarP(&rpcOutput, "output", "o", "table", "output format (table|json|yaml)")

	rpcinfoCmd.AddCommand(rpcinfoDumpCmd)
	rpcinfoCmd.AddCommand(rpcinfoGetportCmd)
	rpcinfoCmd.AddCommand(rpcinfoPingCmd)
	rpcinfoCmd.AddCommand(rpcinfoSetCmd)
	rpcinfoCmd.AddCommand(rpcinfoUnsetCmd)
}

// ============================================================================
// Commands
// ============================================================================

func runRPCInfoDump(cmd *cobra.Command, args []string) error {
	printer, err := newPrinter(cmd)
	if err != nil {
		return err
	}
	return withPortmapClient(contextOf(cmd), func(ctx context.Context, c *portmap.Client) error {
		list, err := c.Dump(ctx)
		if err != nil {
			return err
		}
		return printer.Print(newMappingList(list))
	})
}

func runRPCInfoGetport(cmd *cobra.Command, args []string) error {
	prog, vers, err := parseProgVers(args[0], args[1])
	if err != nil {
		return err
	}
	prot := rpc.ProtoUDP
	if len(args) == 3 {
		if prot, err = parseProtocol(args[2]); err != nil {
			return err
		}
	}
	return withPortmapClient(contextOf(cmd), func(ctx context.Context, c *portmap.Client) error {
		port, err := c.GetPort(ctx, prog, vers, prot)
		if err != nil {
			return err
		}
		if port == 0 {
			return fmt.Errorf("program %s version %d is not registered for %s", programLabel(prog), vers, rpc.ProtocolName(prot))
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), port)
		return nil
	})
}

func runRPCInfoPing(cmd *cobra.Command, args []string) error {
	prog, vers, err := parseProgVers(args[0], args[1])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ccfg, err := cfg.RPCClientConfig(prog, vers)
	if err != nil {
		return err
	}

	ctx := contextOf(cmd)
	c, err := portmap.Dial(ctx, rpcHost, rpcPort, prog, vers, transportProtocol(), ccfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Call(ctx, 0, vers, nil, nil); err != nil {
		return fmt.Errorf("program %s version %d is not available: %w", programLabel(prog), vers, err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "program %d version %d ready and waiting\n", prog, vers)
	return nil
}

func runRPCInfoSet(cmd *cobra.Command, args []string) error {
	prog, vers, err := parseProgVers(args[0], args[1])
	if err != nil {
		return err
	}
	prot, err := parseProtocol(args[2])
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(args[3], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", args[3], err)
	}
	m := xdr.Mapping{Prog: prog, Vers: vers, Prot: prot, Port: uint32(port)}

	return withPortmapClient(contextOf(cmd), func(ctx context.Context, c *portmap.Client) error {
		ok, err := c.Set(ctx, m)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("portmapper refused to register %s", m)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Registered %s\n", m)
		return nil
	})
}

func runRPCInfoUnset(cmd *cobra.Command, args []string) error {
	prog, vers, err := parseProgVers(args[0], args[1])
	if err != nil {
		return err
	}
	return withPortmapClient(contextOf(cmd), func(ctx context.Context, c *portmap.Client) error {
		ok, err := c.Unset(ctx, prog, vers)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("program %s version %d was not registered", programLabel(prog), vers)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Unregistered program %d version %d\n", prog, vers)
		return nil
	})
}

// ============================================================================
// Helpers
// ============================================================================

func withPortmapClient(ctx context.Context, fn func(context.Context, *portmap.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ccfg, err := cfg.RPCClientConfig(types.ProgramPortmap, types.PortmapVersion2)
	if err != nil {
		return err
	}
	c, err := portmap.NewClient(ctx, rpcHost, rpcPort, transportProtocol(), ccfg)
	if err != nil {
		return fmt.Errorf("cannot reach portmapper at %s:%d: %w", rpcHost, rpcPort, err)
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func newPrinter(cmd *cobra.Command) (*output.Printer, error) {
	format, err := output.ParseFormat(rpcOutput)
	if err != nil {
		return nil, err
	}
	return output.NewPrinter(cmd.OutOrStdout(), format), nil
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func transportProtocol() uint32 {
	if rpcTCP {
		return rpc.ProtoTCP
	}
	return rpc.ProtoUDP
}

// parseProgram accepts a program number or a well-known name.
func parseProgram(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	name := strings.ToLower(s)
	for prog, known := range programNames {
		if known == name {
			return prog, nil
		}
	}
	return 0, fmt.Errorf("unknown program %q", s)
}

func parseProgVers(progArg, versArg string) (uint32, uint32, error) {
	prog, err := parseProgram(progArg)
	if err != nil {
		return 0, 0, err
	}
	vers, err := strconv.ParseUint(versArg, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid version %q: %w", versArg, err)
	}
	return prog, uint32(vers), nil
}

func parseProtocol(s string) (uint32, error) {
	switch strings.ToLower(s) {
	case "tcp", "6":
		return rpc.ProtoTCP, nil
	case "udp", "17":
		return rpc.ProtoUDP, nil
	default:
		return 0, fmt.Errorf("invalid protocol %q (valid: tcp, udp)", s)
	}
}

func programLabel(prog uint32) string {
	if name, ok := programNames[prog]; ok {
		return name
	}
	return strconv.FormatUint(uint64(prog), 10)
}

// ============================================================================
// Output
// ============================================================================

type mappingView struct {
	Program  uint32 `json:"program" yaml:"program"`
	Version  uint32 `json:"version" yaml:"version"`
	Protocol string `json:"protocol" yaml:"protocol"`
	Port     uint32 `json:"port" yaml:"port"`
	Service  string `json:"service,omitempty" yaml:"service,omitempty"`
}

type mappingList []mappingView

// newMappingList converts a DUMP result, ordered by program then version
// the way rpcinfo -p prints it.
func newMappingList(list []xdr.Mapping) mappingList {
	out := make(mappingList, 0, len(list))
	for _, m := range list {
		out = append(out, mappingView{
			Program:  m.Prog,
			Version:  m.Vers,
			Protocol: rpc.ProtocolName(m.Prot),
			Port:     m.Port,
			Service:  programNames[m.Prog],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Program != out[j].Program {
			return out[i].Program < out[j].Program
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (l mappingList) Headers() []string {
	return []string{"program", "vers", "proto", "port", "service"}
}

func (l mappingList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, m := range l {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(m.Program), 10),
			strconv.FormatUint(uint64(m.Version), 10),
			m.Protocol,
			strconv.FormatUint(uint64(m.Port), 10),
			m.Service,
		})
	}
	return rows
}
