package gossip

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/peerdoc/internal/blockstore"
	"github.com/roach88/peerdoc/internal/docstore"
	"github.com/roach88/peerdoc/internal/identity"
	"github.com/roach88/peerdoc/internal/ir"
	"github.com/roach88/peerdoc/internal/metrics"
	"github.com/roach88/peerdoc/internal/oplog"
	"github.com/roach88/peerdoc/internal/store"
	"github.com/roach88/peerdoc/internal/testutil"
	"github.com/roach88/peerdoc/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func fastConfig() Config {
	return Config{
		AnnounceInterval: 50 * time.Millisecond,
		MaxFetchRetries:  2,
		InitialBackoff:   5 * time.Millisecond,
		MaxBackoff:       20 * time.Millisecond,
	}
}

type peer struct {
	kp     *identity.Keypair
	tr     *transport.Memory
	blocks blockstore.Store
	mgr    *docstore.Manager
	repl   *Replicator
	reg    *prometheus.Registry
}

func newPeer(t *testing.T, hub *transport.Hub, name string) *peer {
	t.Helper()
	kp := testutil.Identity(t, name)
	catalog, err := store.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	blocks := blockstore.NewMemStore()
	mgr, err := docstore.NewManager(docstore.Config{Signer: kp, Blocks: blocks, Catalog: catalog})
	require.NoError(t, err)

	p := &peer{kp: kp, tr: hub.Join(kp.ID()), blocks: blocks, mgr: mgr, reg: prometheus.NewRegistry()}
	p.repl = NewReplicator(mgr, p.tr, blocks, fastConfig(),
		WithFetchTimeout(500*time.Millisecond),
		WithMetrics(metrics.New(p.reg)),
	)
	t.Cleanup(func() {
		p.repl.Close()
		p.tr.Close()
		mgr.Close()
		catalog.Close()
	})
	return p
}

func movie(id, title string) ir.IRObject {
	return ir.IRObject{"_id": ir.IRString(id), "title": ir.IRString(title)}
}

func converged(a, b *docstore.Database) bool {
	ha, hb := a.Heads(), b.Heads()
	return assert.ObjectsAreEqual(ha, hb) && a.Log().Len() == b.Log().Len()
}

func TestReplicatesBothWays(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, bob := newPeer(t, hub, "alice"), newPeer(t, hub, "bob")
	hub.ConnectAll()

	dbA, err := alice.mgr.Create(ctx, "movies", docstore.CreateOptions{
		Type:  ir.TypeDocuments,
		Write: []string{bob.kp.ID()},
	})
	require.NoError(t, err)
	_, err = dbA.Put(ctx, movie("m1", "Metropolis"))
	require.NoError(t, err)

	// bob learns the manifest from alice.
	dbB, err := bob.mgr.Open(ctx, dbA.Address().String())
	require.NoError(t, err)
	_, err = dbB.Put(ctx, movie("m2", "Nosferatu"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return converged(dbA, dbB) && dbA.Len() == 2 }, waitFor, tick)
	assert.Equal(t, dbA.All(), dbB.All())

	eng, ok := alice.repl.Engine(dbA.Address().String())
	require.True(t, ok)
	require.Eventually(t, func() bool { return eng.State(bob.kp.ID()) == Idle }, waitFor, tick)
}

func TestAccessSyncsBeforeWrites(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, bob, carol := newPeer(t, hub, "alice"), newPeer(t, hub, "bob"), newPeer(t, hub, "carol")
	hub.ConnectAll()

	dbA, err := alice.mgr.Create(ctx, "notes", docstore.CreateOptions{Type: ir.TypeKeyValue})
	require.NoError(t, err)
	addr := dbA.Address().String()

	dbB, err := bob.mgr.Open(ctx, addr)
	require.NoError(t, err)
	_, err = dbA.Grant(ctx, ir.CapWrite, bob.kp.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dbB.Access().Can(ir.CapWrite, bob.kp.ID()) }, waitFor, tick)

	_, err = dbB.Set(ctx, "k", ir.IRString("from bob"))
	require.NoError(t, err)

	// carol arrives last and must accept bob's write, which only validates
	// once alice's grant is in place.
	dbC, err := carol.mgr.Open(ctx, addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok := dbC.Get("k")
		return ok && v == ir.IRString("from bob")
	}, waitFor, tick)
	_, rejected := dbC.Log().Rejected(dbB.Heads().Log[0])
	assert.False(t, rejected)
}

func TestLateJoinerKeepsWritesBeforeRevoke(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, bob, carol := newPeer(t, hub, "alice"), newPeer(t, hub, "bob"), newPeer(t, hub, "carol")
	require.NoError(t, hub.Connect(alice.kp.ID(), bob.kp.ID()))

	dbA, err := alice.mgr.Create(ctx, "notes", docstore.CreateOptions{Type: ir.TypeKeyValue})
	require.NoError(t, err)
	addr := dbA.Address().String()
	dbB, err := bob.mgr.Open(ctx, addr)
	require.NoError(t, err)

	_, err = dbA.Grant(ctx, ir.CapWrite, bob.kp.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dbB.Access().Can(ir.CapWrite, bob.kp.ID()) }, waitFor, tick)
	e1, err := dbB.Set(ctx, "k", ir.IRString("E1"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dbA.Log().Has(e1.Hash) }, waitFor, tick)

	_, err = dbA.Revoke(ctx, ir.CapWrite, bob.kp.ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return converged(dbA, dbB) && !dbB.Access().Can(ir.CapWrite, bob.kp.ID()) }, waitFor, tick)

	// carol joins after the revoke and still keeps bob's earlier write.
	require.NoError(t, hub.Connect(carol.kp.ID(), alice.kp.ID()))
	dbC, err := carol.mgr.Open(ctx, addr)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return converged(dbA, dbC) }, waitFor, tick)

	assert.Equal(t, dbA.Log().Len(), dbC.Log().Len())
	assert.Equal(t, dbA.All(), dbC.All())
	assert.Equal(t, dbA.Access().Capabilities(), dbC.Access().Capabilities())
	_, rejected := dbC.Log().Rejected(e1.Hash)
	assert.False(t, rejected)
}

func TestSyncFetchesCitedAccessEntries(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	carol := newPeer(t, hub, "carol")

	// alice and bob work offline; bob writes with alice's grant.
	alice, bob := newPeer(t, transport.NewHub(), "alice"), newPeer(t, transport.NewHub(), "bob")
	db, err := alice.mgr.Create(ctx, "notes", docstore.CreateOptions{Type: ir.TypeKeyValue})
	require.NoError(t, err)
	manifest, err := alice.blocks.Get(ctx, db.Address().Hash)
	require.NoError(t, err)
	first, err := db.Grant(ctx, ir.CapWrite, carol.kp.ID())
	require.NoError(t, err)
	grant, err := db.Grant(ctx, ir.CapWrite, bob.kp.ID())
	require.NoError(t, err)

	require.NoError(t, bob.blocks.Put(ctx, db.Address().Hash, manifest))
	require.NoError(t, carol.blocks.Put(ctx, db.Address().Hash, manifest))
	dbB, err := bob.mgr.Open(ctx, db.Address().String())
	require.NoError(t, err)
	_, err = dbB.MergeAccess(ctx, slices.Collect(db.Access().Log().Iterate(oplog.Causal)))
	require.NoError(t, err)
	e1, err := dbB.Set(ctx, "k", ir.IRString("from bob"))
	require.NoError(t, err)
	require.Equal(t, []string{grant.Hash}, e1.Refs)

	// mallory serves the blocks but announces only the main log.
	malloryBlocks := blockstore.NewMemStore()
	for _, en := range []*ir.Entry{first, grant, e1} {
		block, err := en.Block()
		require.NoError(t, err)
		require.NoError(t, malloryBlocks.Put(ctx, en.Hash, block))
	}
	mallory := hub.Join("mallory")
	defer mallory.Close()
	svc := NewBlockService(mallory, malloryBlocks)
	defer svc.Close()
	require.NoError(t, hub.Connect(carol.kp.ID(), "mallory"))

	dbC, err := carol.mgr.Open(ctx, db.Address().String())
	require.NoError(t, err)
	eng, ok := carol.repl.Engine(db.Address().String())
	require.True(t, ok)
	require.NoError(t, eng.Sync(ctx, "mallory", HeadsPayload{Log: []string{e1.Hash}}))

	assert.Empty(t, dbC.Log().Pending())
	assert.Equal(t, 1, dbC.Log().Len())
	v, ok := dbC.Get("k")
	require.True(t, ok)
	assert.Equal(t, ir.IRString("from bob"), v)
	assert.True(t, dbC.Access().Can(ir.CapWrite, bob.kp.ID()))
	assert.Equal(t, db.Access().Capabilities(), dbC.Access().Capabilities())
}

func TestPartitionHeals(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, bob := newPeer(t, hub, "alice"), newPeer(t, hub, "bob")
	hub.ConnectAll()

	dbA, err := alice.mgr.Create(ctx, "kv", docstore.CreateOptions{
		Type:  ir.TypeKeyValue,
		Write: []string{ir.Wildcard},
	})
	require.NoError(t, err)
	dbB, err := bob.mgr.Open(ctx, dbA.Address().String())
	require.NoError(t, err)

	hub.Disconnect(alice.kp.ID(), bob.kp.ID())
	_, err = dbA.Set(ctx, "shared", ir.IRString("alice"))
	require.NoError(t, err)
	_, err = dbB.Set(ctx, "shared", ir.IRString("bob"))
	require.NoError(t, err)
	_, err = dbB.Set(ctx, "only-bob", ir.IRInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, dbA.Heads(), dbB.Heads())

	require.NoError(t, hub.Connect(alice.kp.ID(), bob.kp.ID()))
	require.Eventually(t, func() bool { return converged(dbA, dbB) }, waitFor, tick)

	va, _ := dbA.Get("shared")
	vb, _ := dbB.Get("shared")
	assert.Equal(t, va, vb)
	assert.Equal(t, 2, dbA.Len())
}

func TestPeerEventsReachSubscribers(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice, bob := newPeer(t, hub, "alice"), newPeer(t, hub, "bob")

	db, err := alice.mgr.Create(ctx, "log", docstore.CreateOptions{Type: ir.TypeEvents})
	require.NoError(t, err)

	events := make(chan docstore.Event, 8)
	db.Subscribe(func(ev docstore.Event) { events <- ev })
	require.NoError(t, hub.Connect(alice.kp.ID(), bob.kp.ID()))
	hub.Disconnect(alice.kp.ID(), bob.kp.ID())

	for _, want := range []docstore.EventType{docstore.EventPeerJoin, docstore.EventPeerLeave} {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.Type)
			assert.Equal(t, bob.kp.ID(), ev.Peer)
		case <-time.After(waitFor):
			t.Fatalf("no %s event", want)
		}
	}
}

func TestSyncIncompleteDropsPending(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice := newPeer(t, hub, "alice")

	db, err := alice.mgr.Create(ctx, "kv", docstore.CreateOptions{Type: ir.TypeKeyValue})
	require.NoError(t, err)

	// An offline copy of the database grows two entries; mallory serves
	// only the second.
	origin := newPeer(t, transport.NewHub(), "alice")
	manifest, err := alice.blocks.Get(ctx, db.Address().Hash)
	require.NoError(t, err)
	require.NoError(t, origin.blocks.Put(ctx, db.Address().Hash, manifest))
	dbO, err := origin.mgr.Open(ctx, db.Address().String())
	require.NoError(t, err)
	first, err := dbO.Set(ctx, "a", ir.IRInt(1))
	require.NoError(t, err)
	second, err := dbO.Set(ctx, "b", ir.IRInt(2))
	require.NoError(t, err)

	malloryBlocks := blockstore.NewMemStore()
	block, err := second.Block()
	require.NoError(t, err)
	require.NoError(t, malloryBlocks.Put(ctx, second.Hash, block))
	mallory := hub.Join("mallory")
	defer mallory.Close()
	svc := NewBlockService(mallory, malloryBlocks)
	defer svc.Close()
	require.NoError(t, hub.Connect(alice.kp.ID(), "mallory"))

	eng, ok := alice.repl.Engine(db.Address().String())
	require.True(t, ok)
	err = eng.Sync(ctx, "mallory", HeadsPayload{Log: []string{second.Hash}})
	require.Error(t, err)
	assert.True(t, IsSyncIncomplete(err))
	var incomplete *SyncIncompleteError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, "mallory", incomplete.Peer)
	assert.Equal(t, []string{first.Hash}, incomplete.Missing)

	assert.Empty(t, db.Log().Pending())
	assert.Equal(t, 0, db.Log().Len())
	_, rejected := db.Log().Rejected(second.Hash)
	assert.False(t, rejected, "dropped entries may be fetched again later")
	assert.Equal(t, Idle, eng.State("mallory"))
}

func TestMalformedMessagesDropped(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	alice := newPeer(t, hub, "alice")
	db, err := alice.mgr.Create(ctx, "kv", docstore.CreateOptions{Type: ir.TypeKeyValue})
	require.NoError(t, err)

	mallory := hub.Join("mallory")
	defer mallory.Close()
	require.NoError(t, hub.Connect(alice.kp.ID(), "mallory"))

	topic := db.Address().String()
	require.NoError(t, mallory.Send(ctx, alice.kp.ID(), topic, []byte("not json")))
	bad, err := encode(KindHeads, HeadsPayload{Log: []string{"nothex"}})
	require.NoError(t, err)
	require.NoError(t, mallory.Send(ctx, alice.kp.ID(), topic, bad))

	want := `
# HELP peerdoc_gossip_messages_dropped_total Inbound gossip messages discarded, by reason.
# TYPE peerdoc_gossip_messages_dropped_total counter
peerdoc_gossip_messages_dropped_total{reason="malformed"} 2
`
	require.Eventually(t, func() bool {
		return promtest.GatherAndCompare(alice.reg, strings.NewReader(want), "peerdoc_gossip_messages_dropped_total") == nil
	}, waitFor, tick)
	assert.Equal(t, 0, db.Log().Len())
}

func TestBlockServiceFetch(t *testing.T) {
	ctx := context.Background()
	hub := transport.NewHub()
	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	defer a.Close()
	defer b.Close()
	defer c.Close()
	hub.ConnectAll()

	storeA, storeB, storeC := blockstore.NewMemStore(), blockstore.NewMemStore(), blockstore.NewMemStore()
	hb := ir.BlockHash([]byte("held by b"))
	hc := ir.BlockHash([]byte("held by c"))
	local := ir.BlockHash([]byte("held by a"))
	require.NoError(t, storeB.Put(ctx, hb, []byte("held by b")))
	require.NoError(t, storeC.Put(ctx, hc, []byte("held by c")))
	require.NoError(t, storeA.Put(ctx, local, []byte("held by a")))

	svcA := NewBlockService(a, storeA, WithFetchTimeout(500*time.Millisecond))
	defer svcA.Close()
	svcB := NewBlockService(b, storeB)
	defer svcB.Close()
	svcC := NewBlockService(c, storeC)
	defer svcC.Close()

	got, err := svcA.Fetch(ctx, "b", []string{hb, hc, local})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{
		hb:    []byte("held by b"),
		hc:    []byte("held by c"),
		local: []byte("held by a"),
	}, got)

	one, err := svcA.Request(ctx, "b", []string{hb, hc})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{hb: []byte("held by b")}, one)

	_, err = svcA.FetchBlock(ctx, ir.BlockHash([]byte("nobody")))
	assert.ErrorIs(t, err, ErrBlockUnavailable)
}

func TestLimiters(t *testing.T) {
	l := newLimiters(1, 2)
	assert.True(t, l.allow("p"))
	assert.True(t, l.allow("p"))
	assert.False(t, l.allow("p"))
	assert.True(t, l.allow("q"), "buckets are per peer")
	l.forget("p")
	assert.True(t, l.allow("p"))

	var off *limiters
	assert.True(t, off.allow("p"))
	assert.True(t, newLimiters(0, 0).allow("p"))
}

func TestMessageValidation(t *testing.T) {
	h := ir.BlockHash([]byte("x"))
	assert.NoError(t, HeadsPayload{Log: []string{h}}.validate())
	assert.ErrorIs(t, HeadsPayload{Access: []string{"x"}}.validate(), errMalformed)
	assert.NoError(t, FetchPayload{ID: "1", Hashes: []string{h}}.validate())
	assert.ErrorIs(t, FetchPayload{Hashes: []string{h}}.validate(), errMalformed)
	assert.ErrorIs(t, FetchPayload{ID: "1"}.validate(), errMalformed)
	assert.ErrorIs(t, FetchPayload{ID: "1", Hashes: make([]string, maxFetchHashes+1)}.validate(), errMalformed)
	assert.ErrorIs(t, BlocksPayload{}.validate(), errMalformed)

	_, err := decodeEnvelope([]byte(`{"type":"heads"}`))
	assert.ErrorIs(t, err, errMalformed)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "exchanging-heads", ExchangingHeads.String())
	assert.Equal(t, "fetching", Fetching.String())
	assert.Equal(t, "merging", Merging.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestSyncIncompleteErrorMessage(t *testing.T) {
	err := &SyncIncompleteError{Peer: "p", Missing: []string{strings.Repeat("a", 64)}}
	assert.Equal(t, "sync with p incomplete: 1 missing [aaaaaaaaaaaa]", err.Error())
	assert.True(t, IsSyncIncomplete(fmt.Errorf("round: %w", err)))
	assert.False(t, IsSyncIncomplete(errors.New("other")))
}
