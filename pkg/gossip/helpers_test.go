package gossip

import (
	"testing"

	"github.com/orbitalio/constellation/pkg/registry"
	"github.com/orbitalio/constellation/pkg/wire"
)

// Listen0 binds a transport to an ephemeral local UDP port for tests.
func Listen0(t *testing.T) (*wire.Transport, error) {
	t.Helper()
	return wire.Listen("127.0.0.1:0")
}

func toRecordPayload(nodeID string, state registry.State, incarnation uint64) ([]byte, error) {
	rec := wire.NodeRecord{ID: nodeID, State: stateCode(state), Incarnation: incarnation}
	return wire.EncodeNodeRecord(rec)
}
