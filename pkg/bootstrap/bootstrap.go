package bootstrap

import (
	"context"
	"crypto/tls"
	"log"
	"time"

	"github.com/WALL-EEEEEEE/aeron/pkg/container"
	"github.com/WALL-EEEEEEE/aeron/pkg/discovery"
	dDNS "github.com/WALL-EEEEEEE/aeron/pkg/discovery/dns"
	dFile "github.com/WALL-EEEEEEE/aeron/pkg/discovery/file"
	dStatic "github.com/WALL-EEEEEEE/aeron/pkg/discovery/static"
	raftengine "github.com/WALL-EEEEEEE/aeron/pkg/engine/raft"
	"github.com/WALL-EEEEEEE/aeron/pkg/internal/logutil"
	"github.com/WALL-EEEEEEE/aeron/pkg/membership"
	ml "github.com/WALL-EEEEEEE/aeron/pkg/membership/memberlist"
	"github.com/WALL-EEEEEEE/aeron/pkg/node"
	"github.com/WALL-EEEEEEE/aeron/pkg/observability/tracing"
	tlsx "github.com/WALL-EEEEEEE/aeron/pkg/security/tlsconfig"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport/grpcmgmt"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport/httpjson"
	"github.com/WALL-EEEEEEE/aeron/pkg/transport/ws"
)

// Runtime bundles the assembled node and its optional client gateway for
// lifecycle control.
type Runtime struct {
	Node      *node.Node
	Container *container.Container
	Gateway   *ws.Gateway

	shutdownTracing func(context.Context) error
}

// Build assembles a Runtime from Config without starting it.
func Build(cfg Config) (*Runtime, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logutil.SetJSON(cfg.LogJSON)
	shutdownTracing, err := tracing.Setup(cfg.TraceEnable)
	if err != nil {
		return nil, err
	}

	// Container hosting the application service
	c, err := container.New(container.Options{Service: cfg.Service, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	// Consensus engine (raft) driving the container
	eng, err := raftengine.New(raftengine.Options{
		NodeID:            cfg.NodeID,
		Logger:            cfg.Logger,
		Bootstrap:         cfg.Bootstrap,
		BindAddr:          cfg.RaftAddr,
		DataDir:           cfg.DataDir,
		SnapshotsRetained: cfg.SnapshotsRetained,
		TickInterval:      cfg.TickInterval.Std(),
	}, c)
	if err != nil {
		return nil, err
	}

	// Discovery backend
	var disc discovery.Discovery
	switch cfg.DiscoveryKind {
	case "dns":
		names := dStatic.Parse(cfg.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: cfg.DNSPort}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh.Std()
		}
		disc = dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.DiscRefresh > 0 {
			opts.Refresh = cfg.DiscRefresh.Std()
		}
		disc = dFile.New(opts)
	default:
		disc = dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
	}

	// Membership (memberlist). Raft and management addresses travel as
	// gossip metadata so peers can reconcile voters and route calls.
	var mem membership.Membership
	if cfg.MemBind != "" {
		meta := map[string]string{}
		if cfg.RaftAddr != "" {
			meta[membership.MetaRaftAddr] = cfg.RaftAddr
		}
		if cfg.MgmtAddr != "" {
			meta[membership.MetaMgmtAddr] = cfg.MgmtAddr
		}
		mem, err = ml.New(ml.Options{NodeID: cfg.NodeID, Bind: cfg.MemBind, Advertise: cfg.MemAdv, Logger: cfg.Logger, Meta: meta})
		if err != nil {
			return nil, err
		}
	}

	// TLS material shared by the management API and the gateway
	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{
			Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey,
			InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName,
		}
		if srvTLS, err = topts.ServerHotReload(); err != nil {
			return nil, err
		}
		if cliTLS, err = topts.ClientHotReload(); err != nil {
			return nil, err
		}
	}

	// Management API
	var srv transport.RPCServer
	var cli transport.RPCClient
	if cfg.MgmtAddr != "" {
		switch cfg.MgmtProto {
		case "grpc":
			s := grpcmgmt.NewServer(cfg.MgmtAddr)
			if srvTLS != nil {
				s.UseTLS(srvTLS)
			}
			gc := grpcmgmt.NewClient(3 * time.Second)
			if cliTLS != nil {
				gc.UseTLS(cliTLS)
			}
			srv, cli = s, gc
		default:
			s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
			if srvTLS != nil {
				s.UseTLS(srvTLS)
			}
			hc := httpjson.NewClient(3 * time.Second)
			if cliTLS != nil {
				hc.UseTLS(cliTLS)
			}
			srv, cli = s, hc
		}
	}

	n, err := node.New(context.Background(), node.Options{
		NodeID:         node.NodeID(cfg.NodeID),
		Transport:      eng,
		Discovery:      disc,
		Logger:         cfg.Logger,
		Engine:         eng,
		Container:      c,
		Membership:     mem,
		RPCServer:      srv,
		RPCClient:      cli,
		OnLeaderChange: cfg.OnLeaderChange,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Node: n, Container: c, shutdownTracing: shutdownTracing}

	// Client gateway: every websocket connection becomes a cluster session
	// ingested through the node (leader-local or forwarded).
	if cfg.GatewayAddr != "" {
		g := ws.NewGateway(cfg.GatewayAddr, n, cfg.Logger)
		if srvTLS != nil {
			g.UseTLS(srvTLS)
		}
		if cfg.GatewayToken != "" {
			g.WithAuthToken(cfg.GatewayToken)
		}
		if len(cfg.GatewayOrigins) > 0 {
			g.WithAllowedOrigins(cfg.GatewayOrigins)
		}
		rt.Gateway = g
	}
	return rt, nil
}

// Start launches the node and, when configured, the client gateway.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.Node.Start(ctx); err != nil {
		return err
	}
	if rt.Gateway != nil {
		if err := rt.Gateway.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the gateway first so no new sessions arrive while the node is
// delivering the terminate event.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.Gateway != nil {
		_ = rt.Gateway.Stop(ctx)
	}
	err := rt.Node.Stop(ctx)
	if rt.shutdownTracing != nil {
		_ = rt.shutdownTracing(ctx)
	}
	return err
}

// Run builds and starts the runtime, returning it for lifecycle control. The
// caller is responsible for Stop when finished.
func Run(ctx context.Context, cfg Config) (*Runtime, error) {
	rt, err := Build(cfg)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}
