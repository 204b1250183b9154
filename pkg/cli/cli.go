package cli

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/WALL-EEEEEEE/aeron/pkg/bootstrap"
	"github.com/WALL-EEEEEEE/aeron/pkg/engine"
	tlsx "github.com/WALL-EEEEEEE/aeron/pkg/security/tlsconfig"
	"github.com/WALL-EEEEEEE/aeron/pkg/service"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport/grpcmgmt"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport/httpjson"
)

// AddAll attaches node subcommands (run/status/join/leave/snapshot/offer) to
// the provided root command. svc is the application state machine hosted by
// the run command; the other commands are pure management clients and ignore
// it.
func AddAll(root *cobra.Command, svc service.Service) {
	root.AddCommand(NewRunCmd(svc))
	root.AddCommand(NewStatusCmd())
	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewLeaveCmd())
	root.AddCommand(NewSnapshotCmd())
	root.AddCommand(NewOfferCmd())
}

// NewRunCmd returns the "run" command used to start a node hosting svc.
func NewRunCmd(svc service.Service) *cobra.Command {
	var (
		cfgPath                                                                  string
		id, raftAddr, memBind, memAdv, joinCSV, mgmtAddr, mgmtProto              string
		gwAddr, gwToken, discoveryKind, dnsNames, filePath, fileEnv              string
		dnsPort                                                                  int
		discRefresh, tickInterval                                                time.Duration
		tlsEnable, tlsSkip, traceEnable, logJSON, doBootstrap                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName, dataDir                           string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a cluster node hosting the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.Load(cfgPath)
			if err != nil {
				return err
			}
			// Flags set explicitly win over file and environment values.
			setIf := func(name string, apply func()) {
				if cmd.Flags().Changed(name) {
					apply()
				}
			}
			setIf("id", func() { cfg.NodeID = id })
			setIf("raft-addr", func() { cfg.RaftAddr = raftAddr })
			setIf("mem-bind", func() { cfg.MemBind = memBind })
			setIf("mem-adv", func() { cfg.MemAdv = memAdv })
			setIf("join", func() { cfg.SeedsCSV = joinCSV })
			setIf("mgmt-addr", func() { cfg.MgmtAddr = mgmtAddr })
			setIf("mgmt-proto", func() { cfg.MgmtProto = mgmtProto })
			setIf("gateway-addr", func() { cfg.GatewayAddr = gwAddr })
			setIf("gateway-token", func() { cfg.GatewayToken = gwToken })
			setIf("discovery", func() { cfg.DiscoveryKind = discoveryKind })
			setIf("dns-names", func() { cfg.DNSNamesCSV = dnsNames })
			setIf("dns-port", func() { cfg.DNSPort = dnsPort })
			setIf("disc-refresh", func() { cfg.DiscRefresh = bootstrap.Duration(discRefresh) })
			setIf("file-path", func() { cfg.FilePath = filePath })
			setIf("file-env", func() { cfg.FileEnv = fileEnv })
			setIf("tick-interval", func() { cfg.TickInterval = bootstrap.Duration(tickInterval) })
			setIf("data", func() { cfg.DataDir = dataDir })
			setIf("bootstrap", func() { cfg.Bootstrap = doBootstrap })
			setIf("tls-enable", func() { cfg.TLSEnable = tlsEnable })
			setIf("tls-ca", func() { cfg.TLSCA = tlsCA })
			setIf("tls-cert", func() { cfg.TLSCert = tlsCert })
			setIf("tls-key", func() { cfg.TLSKey = tlsKey })
			setIf("tls-server-name", func() { cfg.TLSServerName = tlsServerName })
			setIf("tls-skip-verify", func() { cfg.TLSSkipVerify = tlsSkip })
			setIf("trace", func() { cfg.TraceEnable = traceEnable })
			setIf("log-json", func() { cfg.LogJSON = logJSON })
			cfg.Service = svc
			cfg.Logger = log.Default()

			ctx, cancel := signalContext()
			defer cancel()
			rt, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Stop(context.Background())

			fmt.Println("node running. Press Ctrl+C to exit.")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML config file (flags override)")
	cmd.Flags().StringVar(&id, "id", "", "node id (required)")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", ":9520", "raft bind addr (tcp)")
	cmd.Flags().StringVar(&memBind, "mem-bind", ":7946", "membership bind addr (host:port)")
	cmd.Flags().StringVar(&memAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
	cmd.Flags().StringVar(&joinCSV, "join", "", "comma-separated seed nodes (host:port) for discovery=static")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp), separate from membership port")
	cmd.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().StringVar(&gwAddr, "gateway-addr", "", "websocket gateway address (empty disables the gateway)")
	cmd.Flags().StringVar(&gwToken, "gateway-token", "", "bearer token required from gateway clients")
	cmd.Flags().StringVar(&discoveryKind, "discovery", "static", "discovery backend: static|dns|file")
	cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 7946, "port used for A/AAAA lookups")
	cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
	cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
	cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
	cmd.Flags().DurationVar(&tickInterval, "tick-interval", 50*time.Millisecond, "leader timer tick resolution")
	cmd.Flags().BoolVar(&tlsEnable, "tls-enable", false, "enable mTLS for management and gateway transports")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "path to node certificate (PEM)")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "path to node private key (PEM)")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")
	cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap single-node raft (development)")
	cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (log, snapshots)")
	return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Fetch node and cluster status as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := httpjson.NewClient(timeout)
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return fmt.Errorf("status error: %w", err)
			}
			os.Stdout.Write(data)
			if len(data) == 0 || data[len(data)-1] != '\n' {
				os.Stdout.Write([]byte("\n"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "management HTTP address of a node (host:port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
	var (
		id, raftAddr, addr, mgmtProto         string
		timeout                               time.Duration
		tlsEnable, tlsSkip                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Request to add a node to the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || raftAddr == "" {
				return fmt.Errorf("missing required flags: -id and -raft-addr")
			}
			client, err := mgmtClient(mgmtProto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.PostJoin(ctx, addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
			if err != nil {
				return fmt.Errorf("join error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
	cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
	addMgmtClientFlags(cmd, &addr, &mgmtProto, &timeout, &tlsEnable, &tlsCA, &tlsCert, &tlsKey, &tlsServerName, &tlsSkip)
	return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
	var (
		id, addr, mgmtProto                   string
		timeout                               time.Duration
		tlsEnable, tlsSkip                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Request to remove a node from the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("missing required flag: -id")
			}
			client, err := mgmtClient(mgmtProto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.PostLeave(ctx, addr, transport.LeaveRequest{ID: id})
			if err != nil {
				return fmt.Errorf("leave error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
	addMgmtClientFlags(cmd, &addr, &mgmtProto, &timeout, &tlsEnable, &tlsCA, &tlsCert, &tlsKey, &tlsServerName, &tlsSkip)
	return cmd
}

// NewSnapshotCmd returns the "snapshot" command triggering a checkpoint of the
// hosted service on the leader.
func NewSnapshotCmd() *cobra.Command {
	var (
		addr, mgmtProto                       string
		timeout                               time.Duration
		tlsEnable, tlsSkip                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Checkpoint the hosted service state on the leader",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := mgmtClient(mgmtProto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.PostSnapshot(ctx, addr)
			if err != nil {
				return fmt.Errorf("snapshot error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	addMgmtClientFlags(cmd, &addr, &mgmtProto, &timeout, &tlsEnable, &tlsCA, &tlsCert, &tlsKey, &tlsServerName, &tlsSkip)
	return cmd
}

// NewOfferCmd returns the "offer" command injecting a service-originated
// message into the replicated log. The payload is delivered to the service
// with a nil session on every replica.
func NewOfferCmd() *cobra.Command {
	var (
		addr, mgmtProto, payload              string
		timeout                               time.Duration
		tlsEnable, tlsSkip                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName string
	)
	cmd := &cobra.Command{
		Use:   "offer",
		Short: "Inject a service-originated message into the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload == "" {
				return fmt.Errorf("missing required flag: -payload")
			}
			client, err := mgmtClient(mgmtProto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsServerName, tlsSkip)
			if err != nil {
				return err
			}
			ev := engine.Event{
				Kind:      engine.KindSessionMessage,
				Timestamp: time.Now().UnixMilli(),
				Payload:   []byte(payload),
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := client.PostPropose(ctx, addr, transport.ProposeRequest{Event: raw})
			if err != nil {
				return fmt.Errorf("offer error: %w", err)
			}
			return json.NewEncoder(os.Stdout).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "message payload (required)")
	addMgmtClientFlags(cmd, &addr, &mgmtProto, &timeout, &tlsEnable, &tlsCA, &tlsCert, &tlsKey, &tlsServerName, &tlsSkip)
	return cmd
}

func addMgmtClientFlags(cmd *cobra.Command, addr, mgmtProto *string, timeout *time.Duration,
	tlsEnable *bool, tlsCA, tlsCert, tlsKey, tlsServerName *string, tlsSkip *bool) {
	cmd.Flags().StringVar(addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
	cmd.Flags().StringVar(mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
	cmd.Flags().DurationVar(timeout, "timeout", 3*time.Second, "request timeout")
	cmd.Flags().BoolVar(tlsEnable, "tls-enable", false, "enable mTLS for management transport")
	cmd.Flags().StringVar(tlsCA, "tls-ca", "", "path to CA cert (PEM)")
	cmd.Flags().StringVar(tlsCert, "tls-cert", "", "path to client certificate (PEM)")
	cmd.Flags().StringVar(tlsKey, "tls-key", "", "path to client private key (PEM)")
	cmd.Flags().BoolVar(tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
	cmd.Flags().StringVar(tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func mgmtClient(proto string, timeout time.Duration, tlsEnable bool, ca, cert, key, serverName string, skip bool) (transport.RPCClient, error) {
	var cliTLS *tls.Config
	if tlsEnable {
		topts := tlsx.Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, InsecureSkipVerify: skip, ServerName: serverName}
		var err error
		cliTLS, err = topts.Client()
		if err != nil {
			return nil, fmt.Errorf("tls client config: %w", err)
		}
	}
	switch proto {
	case "grpc":
		c := grpcmgmt.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	default:
		c := httpjson.NewClient(timeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		return c, nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx, cancel
}
