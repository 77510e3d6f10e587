package gateway

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/subconscious-network/noosphere/core/authority"
	"github.com/subconscious-network/noosphere/core/block"
	"github.com/subconscious-network/noosphere/core/did"
	"github.com/subconscious-network/noosphere/core/errs"
	"github.com/subconscious-network/noosphere/core/ns"
	"github.com/subconscious-network/noosphere/core/sync"
	"github.com/subconscious-network/noosphere/internal/config"
	"github.com/subconscious-network/noosphere/internal/logging"
)

// Module is the gateway's fx dependency graph: config -> logger ->
// block store -> authority engine -> name system adapter -> gateway
// router -> http.Server, replacing the teacher's hand-wired main()
// bring-up (cmd/inos-node/main.go) with fx's declarative provide/invoke
// graph, per the committed domain stack wiring.
var Module = fx.Module("gateway",
	fx.Provide(
		NewStore,
		NewIdentity,
		provideRevocations,
		NewResolver,
		NewNameSystemAdapter,
		func(reg prometheus.Registerer) *Metrics { return NewMetrics(reg) },
		func() prometheus.Registerer { return prometheus.DefaultRegisterer },
		NewGateway,
		provideServer,
	),
	fx.Invoke(registerLifecycle),
)

// Identity bundles the gateway's own DID and its self-administered
// directory sphere's DID, each persisted to its own key file so a
// restart keeps the same identities instead of minting fresh ones.
type Identity struct {
	GatewayKey   *did.KeyPair
	DirectoryKey *did.KeyPair
}

// NewIdentity loads or generates the gateway's two identities under
// cfg.StorePath (or the current directory for an in-memory store),
// following the teacher's PersistentIdentity convention adapted to
// core/did's key material instead of a raw libp2p identity.
func NewIdentity(cfg config.Config) (*Identity, error) {
	gatewayKey, err := did.LoadOrGenerateKeyPair(identityFilePath(cfg, "gateway.key"))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load gateway identity")
	}
	directoryKey, err := did.LoadOrGenerateKeyPair(identityFilePath(cfg, "directory.key"))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "load directory identity")
	}
	return &Identity{GatewayKey: gatewayKey, DirectoryKey: directoryKey}, nil
}

// NewStore opens cfg.StorePath as a bbolt-backed block store, or an
// in-memory one when StorePath is empty.
func NewStore(lc fx.Lifecycle, cfg config.Config) (block.Store, error) {
	if cfg.StorePath == "" {
		return block.NewMemoryStore(), nil
	}
	store, err := block.OpenBoltStore(cfg.StorePath)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open bolt store")
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

// provideRevocations has no concrete backing store of its own yet (the
// directory sphere tracks hosted-sphere tips, not a revocation HAMT),
// so the gateway currently verifies UCAN chains without a revocation
// check — rule 5 of spec §4.4 is enforced per managed sphere instead,
// where core/sphere's own RevocationChecker is wired.
func provideRevocations() authority.RevocationChecker { return nil }

// NewResolver starts a libp2p-backed name resolver. When
// cfg.NameResolverAddr is empty this gateway has no peer to resolve
// against and serves its own ResolveProtocol for others instead.
func NewResolver(lc fx.Lifecycle, cfg config.Config) (*ns.LibP2PResolver, error) {
	serve := cfg.NameResolverAddr == ""
	resolver, err := ns.NewLibP2PResolver(cfg.NameResolverAddr, serve)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return resolver.Close() },
	})
	return resolver, nil
}

// NewNameSystemAdapter wires the Name System Adapter against resolver,
// bounding on-demand resolution to cfg.RateLimitBurst per minute.
func NewNameSystemAdapter(cfg config.Config, store block.Store, resolver *ns.LibP2PResolver, revocations authority.RevocationChecker) (*ns.Adapter, error) {
	loadProof := authority.StoreProofLoader(store)
	return ns.NewAdapter(resolver, loadProof, revocations, int64(cfg.RateLimitBurst), time.Minute)
}

// NewGateway opens (or bootstraps) the self-administered directory
// sphere backing the Sync Protocol's server half. The directory's
// self-issued owner capability is cached next to the identity key
// files so that reattaching to a persisted store on restart doesn't
// hit Open's existingOwnerUCAN requirement.
func NewGateway(cfg config.Config, store block.Store, identity *Identity, revocations authority.RevocationChecker) (*sync.Gateway, error) {
	loadProof := authority.StoreProofLoader(store)
	ucanPath := identityFilePath(cfg, "directory-owner.ucan")

	existing, err := readFileIfExists(ucanPath)
	if err != nil {
		return nil, err
	}
	gw, err := sync.Open(context.Background(), store, identity.GatewayKey, identity.DirectoryKey, loadProof, revocations, existing)
	if err != nil {
		return nil, err
	}
	if existing == "" {
		if err := os.WriteFile(ucanPath, []byte(gw.DirectoryOwnerUCAN()), 0o600); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "persist directory owner ucan")
		}
	}
	return gw, nil
}

func identityFilePath(cfg config.Config, name string) string {
	dir := cfg.StorePath
	if dir == "" {
		dir = "."
	} else {
		dir = filepath.Dir(dir)
	}
	return filepath.Join(dir, name)
}

func readFileIfExists(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errs.Wrap(errs.Internal, err, "read "+path)
	}
	return string(data), nil
}

// provideServer adapts New to fx's by-type injection: New's
// rateLimitBurst parameter is a plain int, which fx cannot resolve on
// its own, so it is pulled out of cfg here instead.
func provideServer(cfg config.Config, gw *sync.Gateway, names *ns.Adapter, logger *logging.Logger, metrics *Metrics) (*Server, error) {
	return New(gw, names, logger, metrics, cfg.RateLimitBurst)
}

func registerLifecycle(lc fx.Lifecycle, cfg config.Config, logger *logging.Logger, srv *Server, adapter *ns.Adapter) {
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router()}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := adapter.Run(context.Background(), cfg.PublishInterval, cfg.ResolveInterval); err != nil {
					logger.Error("name system adapter stopped", logging.Err(err))
				}
			}()
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("gateway http server stopped", logging.Err(err))
				}
			}()
			logger.Info("gateway listening", logging.String("addr", cfg.ListenAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}
