package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosrabelo/defproxy/internal/jobtracker"
	"github.com/carlosrabelo/defproxy/internal/metrics"
)

func newObserver() (*Observer, *jobtracker.Tracker, *metrics.Collector) {
	tracker := jobtracker.New(10, 1000)
	mx := metrics.NewCollector()
	return NewObserver(Options{Tracker: tracker, Metrics: mx, TargetName: "pool-a", Peer: "1.2.3.4:5"}), tracker, mx
}

func TestObserveLogin(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		wantWallet string
		wantWorker string
	}{
		{"list colon", `{"id":1,"method":"login","params":["4Awallet:rig1","x"]}`, "4Awallet", "rig1"},
		{"object rigid", `{"id":1,"method":"login","params":{"login":"4Awallet","pass":"x","rigid":"rig2"}}`, "4Awallet", "rig2"},
		{"object dotted", `{"id":1,"method":"login","params":{"login":"4Awallet.rig3","pass":"x"}}`, "4Awallet", "rig3"},
		{"no identity", `{"id":1,"method":"login","params":{}}`, "", ""},
		{"garbage", `not json`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _, _ := newObserver()
			o.ObserveClient([]byte(tt.line))
			assert.Equal(t, tt.wantWallet, o.Wallet())
			assert.Equal(t, tt.wantWorker, o.Worker())
		})
	}
}

func TestLoginResultTracksJob(t *testing.T) {
	o, tracker, mx := newObserver()
	share := o.ObserveUpstream([]byte(`{"id":1,"jsonrpc":"2.0","error":null,"result":{"id":"sess","job":{"job_id":"j1","blob":"00","target":"0000ffff","height":5},"status":"OK"}}`))
	assert.Nil(t, share)
	job, ok := tracker.GetJob("j1")
	require.True(t, ok)
	assert.Equal(t, uint64(5), job.Height)
	assert.False(t, mx.GetLastJob().IsZero())
}

func TestShareRoundTrip(t *testing.T) {
	o, tracker, mx := newObserver()
	o.ObserveClient([]byte(`{"id":1,"method":"login","params":{"login":"4Awallet","rigid":"rig"}}`))
	o.ObserveUpstream([]byte(`{"jsonrpc":"2.0","method":"job","params":{"job_id":"j2","blob":"00","target":"0000ffff"}}`))
	want := tracker.GetDifficulty("j2")

	o.ObserveClient([]byte(`{"id":7,"method":"submit","params":{"id":"sess","job_id":"j2","nonce":"01020304","result":"ff"}}`))
	o.ObserveClient([]byte(`{"id":"8","method":"submit","params":["j2","01020304","ff"]}`))
	assert.Equal(t, 2, o.pending.Len())

	share := o.ObserveUpstream([]byte(`{"id":7,"jsonrpc":"2.0","error":null,"result":{"status":"OK"}}`))
	require.NotNil(t, share)
	assert.True(t, share.Valid)
	assert.Equal(t, want, share.Difficulty)
	assert.Equal(t, "4Awallet", share.WalletAddress)
	assert.Equal(t, "rig", share.WorkerName)
	assert.Equal(t, "pool-a", share.TargetName)

	share = o.ObserveUpstream([]byte(`{"id":"8","error":{"code":-1,"message":"Low difficulty share"}}`))
	require.NotNil(t, share)
	assert.False(t, share.Valid)

	assert.Equal(t, 0, o.pending.Len(), "answered submits leave no entry behind")

	// A duplicate answer is not a second share.
	assert.Nil(t, o.ObserveUpstream([]byte(`{"id":7,"result":{"status":"OK"}}`)))

	assert.Equal(t, uint64(1), mx.GetSharesOK())
	assert.Equal(t, uint64(1), mx.GetSharesBad())
	assert.Equal(t, uint64(2), o.Session().GetTotal())
}

func TestUnknownJobUsesDefaultDifficulty(t *testing.T) {
	o, _, _ := newObserver()
	o.ObserveClient([]byte(`{"id":3,"method":"submit","params":["nope","00000000","ff"]}`))
	share := o.ObserveUpstream([]byte(`{"id":3,"result":true}`))
	require.NotNil(t, share)
	assert.Equal(t, 1000.0, share.Difficulty)
}

func TestIgnoresUnrelatedLines(t *testing.T) {
	o, _, _ := newObserver()
	assert.Nil(t, o.ObserveUpstream([]byte(`{"id":99,"result":{"status":"OK"}}`)))
	assert.Nil(t, o.ObserveUpstream([]byte(`{"method":"mining.set_difficulty","params":[8]}`)))
	assert.Nil(t, o.ObserveUpstream([]byte(`{`)))
	o.ObserveClient([]byte(`{"method":"submit","params":["j","n","r"]}`))
	o.ObserveClient([]byte(`{"id":4,"method":"keepalived"}`))
	assert.Equal(t, 0, o.pending.Len(), "a submit without id cannot be answered")
}

func TestFmtDuration(t *testing.T) {
	assert.Equal(t, "-", fmtDuration(0))
	assert.Equal(t, "1.5s", fmtDuration(1500_000_000))
}
