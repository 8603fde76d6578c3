package sandbox

import (
	"context"
	"log/slog"
	"strings"

	"github.com/skyforge-dev/skyforge/pkg/capabilities"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Host module exposing network services to granted guests.
const (
	NetModuleName = "skyforge_net"
	LookupIPFunc  = "lookup_ip"
)

// Result codes of lookup_ip. Non-negative results are the number of bytes
// written to the output buffer.
const (
	NetMemoryFault    int32 = -1
	NetLookupFailed   int32 = -2
	NetBufferTooSmall int32 = -3
	NetDenied         int32 = -4
)

type netModule struct {
	module   string
	lookup   bool
	resolver Resolver
	policy   *PolicyEnforcer
	logger   *slog.Logger
}

func (c *Context) newNetModule() *netModule {
	return &netModule{
		module:   c.name,
		lookup:   c.caps.Has(capabilities.AllowIpNameLookup),
		resolver: c.opts.resolver,
		policy:   c.opts.policy,
		logger:   c.opts.logger.With("component", "sandbox", "module", c.name),
	}
}

func (n *netModule) instantiate(ctx context.Context, r wazero.Runtime) error {
	_, err := r.NewHostModuleBuilder(NetModuleName).
		NewFunctionBuilder().
		WithFunc(n.lookupIP).
		WithParameterNames("name_ptr", "name_len", "out_ptr", "out_cap").
		Export(LookupIPFunc).
		Instantiate(ctx)
	return err
}

// lookupIP resolves the host name at name_ptr and writes its addresses,
// newline separated, to out_ptr.
func (n *netModule) lookupIP(ctx context.Context, m api.Module, namePtr, nameLen, outPtr, outCap uint32) int32 {
	if !n.lookup {
		n.logger.Warn("ip name lookup denied", "reason", "capability not granted")
		if n.policy != nil {
			n.policy.RecordDenied("NETWORK_LOOKUP_DENIED", "AllowIpNameLookup not granted to "+n.module)
		}
		return NetDenied
	}

	raw, ok := m.Memory().Read(namePtr, nameLen)
	if !ok {
		return NetMemoryFault
	}
	host := string(raw)

	if n.policy != nil {
		if r := n.policy.CheckNetwork(host); !r.Allowed {
			n.logger.Warn("ip name lookup denied", "host", host, "reason", r.Reason)
			return NetDenied
		}
	}

	addrs, err := n.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		n.logger.Debug("ip name lookup failed", "host", host, "error", err)
		return NetLookupFailed
	}

	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	out := strings.Join(parts, "\n")
	if uint32(len(out)) > outCap {
		return NetBufferTooSmall
	}
	if !m.Memory().Write(outPtr, []byte(out)) {
		return NetMemoryFault
	}
	return int32(len(out))
}
