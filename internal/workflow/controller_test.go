package workflow

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"relayverify/internal/errors"
	"relayverify/internal/execution"
	"relayverify/internal/execution/exectest"
	"relayverify/internal/metrics"
	"relayverify/internal/proof"
	"relayverify/internal/relay"
	"relayverify/internal/relay/relaytest"
	"relayverify/internal/store"
	"relayverify/internal/submit"
	"relayverify/internal/validation"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"
	aliceQuery = "System.Account(5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY)"
	bobQuery   = "System.Account(5FHneW46xGXgs5mUiveU4sbTyGBzmstUspZC92UhjJM694ty)"
)

var (
	hashH   = common.HexToHash("0xabababababababababababababababababababababababababababababababab")
	hash105 = common.HexToHash("0x0105010501050105010501050105010501050105010501050105010501050105")
	n1      = []byte{0x80, 0x10, 0x20}
	n2      = []byte{0x9f, 0x00, 0x01, 0x02}
	n3      = []byte{0x80, 0x33}
)

// recordingOutput 记录写出的结果和证明
type recordingOutput struct {
	mu      sync.Mutex
	results []*models.VerificationResult
	proofs  []*models.ProofRecord
}

func (o *recordingOutput) WriteResult(r *models.VerificationResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, r)
	return nil
}

func (o *recordingOutput) WriteProof(p *models.ProofRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proofs = append(o.proofs, p)
	return nil
}

func (o *recordingOutput) Close() error { return nil }

type env struct {
	node       *relaytest.Node
	backend    *exectest.Backend
	execClient *execution.Client
	account    *execution.Account
	controller *Controller
	store      *store.Store
	output     *recordingOutput
	metrics    *metrics.Metrics
}

type envOptions struct {
	latest      []uint32
	maxAttempts int
	dryRun      bool
}

func newEnv(t *testing.T, o envOptions) *env {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	node := relaytest.NewNode()
	node.AddBlock(100, hashH, n1, n2)
	relayClient, err := relay.NewClient(node.Client(), relay.Config{}, logger)
	require.NoError(t, err)

	if len(o.latest) == 0 {
		o.latest = []uint32{100}
	}
	backend := exectest.NewBackend(o.latest...)
	execClient, err := execution.NewClient(backend, execution.Config{
		ReceiptPollInterval: 5 * time.Millisecond,
		ReceiptTimeout:      2 * time.Second,
	}, logger)
	require.NoError(t, err)

	account, err := execution.NewAccount(testKeyHex)
	require.NoError(t, err)
	backend.SetNonce(account.Address(), 40)

	submitter := submit.NewSubmitter(execClient, execution.NewNonceManager(backend),
		validation.NewValidator(logger, false), logger, submit.Options{DryRun: o.dryRun})

	if o.maxAttempts == 0 {
		o.maxAttempts = 3
	}
	controller, err := NewController(proof.NewAssembler(relayClient, execClient, logger), submitter, account, Options{
		MaxAttempts:      o.maxAttempts,
		RetryInterval:    time.Millisecond,
		MaxRetryInterval: 5 * time.Millisecond,
		Workers:          2,
	}, logger)
	require.NoError(t, err)

	s, err := store.NewStore(filepath.Join(t.TempDir(), "attempts.db"), logger)
	require.NoError(t, err)
	out := &recordingOutput{}
	m := metrics.New()
	controller.SetStore(s)
	controller.SetOutput(out)
	controller.SetMetrics(m)

	t.Cleanup(func() {
		s.Close()
		relayClient.Close()
		node.Close()
	})

	return &env{
		node:       node,
		backend:    backend,
		execClient: execClient,
		account:    account,
		controller: controller,
		store:      s,
		output:     out,
		metrics:    m,
	}
}

func (e *env) metricsText(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	e.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRunConfirmed(t *testing.T) {
	e := newEnv(t, envOptions{})

	result := e.controller.Run(context.Background(), aliceQuery)
	require.Equal(t, models.ResultConfirmed, result.Status, result.Error)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, models.StateConfirmed, result.State)
	assert.Equal(t, &models.BlockReference{Number: 100, Hash: hashH}, result.Block)
	assert.Equal(t, e.account.Address().Hex(), result.Account)
	assert.Empty(t, result.FailedStep)
	assert.NotZero(t, result.GasUsed)
	assert.NotZero(t, result.ReceiptBlock)

	expected, err := e.execClient.EncodeCall(execution.MethodVerifyEntry, uint32(100), models.ReadProof{
		At:    hashH,
		Proof: [][]byte{n1, n2},
	}, []byte(result.Key))
	require.NoError(t, err)

	sent := e.backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, expected, sent[0].Data())
	assert.Equal(t, execution.DefaultVerifierAddress, *sent[0].To())
	assert.Equal(t, uint64(40), sent[0].Nonce())
	assert.Equal(t, sent[0].Hash().Hex(), result.TxHash)

	stored, err := e.store.GetResult(result.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultConfirmed, stored.Status)
	last, ok := e.store.LastVerifiedBlock()
	require.True(t, ok)
	assert.Equal(t, uint32(100), last.Number)

	require.Len(t, e.output.results, 1)
	require.Len(t, e.output.proofs, 1)
	assert.Equal(t, 2, e.output.proofs[0].ProofNodes)

	text := e.metricsText(t)
	assert.Contains(t, text, `relayverify_verifications_total{status="confirmed"} 1`)
	assert.Contains(t, text, `relayverify_last_verified_relay_block 100`)
	assert.Contains(t, text, `relayverify_submission_states_total{state="confirmed"} 1`)
}

func TestRunPrunedBlockRetriesWithFreshBlock(t *testing.T) {
	e := newEnv(t, envOptions{latest: []uint32{100, 105}})
	e.node.AddBlock(105, hash105, n3)
	e.node.Prune(100)

	result := e.controller.Run(context.Background(), aliceQuery)
	require.Equal(t, models.ResultConfirmed, result.Status, result.Error)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, uint32(105), result.Block.Number)
	assert.Equal(t, hash105, result.Block.Hash)
	assert.Equal(t, 2, e.backend.LatestCalls())

	expected, err := e.execClient.EncodeCall(execution.MethodVerifyEntry, uint32(105), models.ReadProof{
		At:    hash105,
		Proof: [][]byte{n3},
	}, []byte(result.Key))
	require.NoError(t, err)

	sent := e.backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, expected, sent[0].Data())

	assert.Contains(t, e.metricsText(t), `relayverify_retries_total{kind="ProofUnavailableError"} 1`)
}

func TestRunWaitsForNewerBlockAfterPrune(t *testing.T) {
	e := newEnv(t, envOptions{latest: []uint32{100, 100, 105}, maxAttempts: 4})
	e.node.AddBlock(105, hash105, n3)
	e.node.Prune(100)

	result := e.controller.Run(context.Background(), aliceQuery)
	require.Equal(t, models.ResultConfirmed, result.Status, result.Error)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, uint32(105), result.Block.Number)
	assert.Equal(t, 3, e.backend.LatestCalls())

	requests := e.node.ProofRequests()
	require.Len(t, requests, 2)
	assert.Equal(t, hashH, requests[0].At)
	assert.Equal(t, hash105, requests[1].At)
	assert.Len(t, e.backend.Sent(), 1)
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	e := newEnv(t, envOptions{maxAttempts: 3})
	e.node.Prune(100)

	result := e.controller.Run(context.Background(), aliceQuery)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "ProofUnavailableError", result.ErrorKind)
	assert.Equal(t, string(errors.StepLatestBlock), result.FailedStep)
	assert.Equal(t, 3, e.backend.LatestCalls())
	assert.Empty(t, e.backend.Sent())

	// 合约一直停在 100，区块 100 的证明只请求一次
	requests := e.node.ProofRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, hashH, requests[0].At)

	stats := e.controller.ErrorHandler().GetStats()
	assert.Equal(t, 1, stats.TotalErrors)
}

func TestRunResolutionErrorIsFatal(t *testing.T) {
	e := newEnv(t, envOptions{})

	for _, query := range []string{"System", "System.Account(5notanaddress)"} {
		result := e.controller.Run(context.Background(), query)
		assert.Equal(t, models.ResultFailed, result.Status, query)
		assert.Equal(t, "ResolutionError", result.ErrorKind, query)
		assert.Equal(t, 0, result.Attempts, query)
	}
	assert.Equal(t, 0, e.backend.LatestCalls())
	assert.Empty(t, e.node.ProofRequests())
}

func TestRunRevertedIsTerminal(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.backend.ReceiptStatus = 0
	e.backend.ReplayErr = &exectest.RevertError{Reason: "proof verification failed"}

	result := e.controller.Run(context.Background(), aliceQuery)
	assert.Equal(t, models.ResultReverted, result.Status)
	assert.Equal(t, models.StateReverted, result.State)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "proof verification failed", result.RevertReason)
	assert.Equal(t, "CallRevertedError", result.ErrorKind)
	assert.Equal(t, string(errors.StepReceipt), result.FailedStep)
	assert.Len(t, e.backend.Sent(), 1)
}

func TestRunEstimationFailureIsFatal(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.backend.EstimateErr = &exectest.RevertError{Reason: "bad proof"}

	result := e.controller.Run(context.Background(), aliceQuery)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Equal(t, "EstimationError", result.ErrorKind)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "bad proof", result.RevertReason)
	assert.Empty(t, e.backend.Sent())
}

func TestRunRejectedSubmissionRetries(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.backend.SendErrors = []error{&exectest.RPCError{Message: "nonce too low"}}

	result := e.controller.Run(context.Background(), aliceQuery)
	require.Equal(t, models.ResultConfirmed, result.Status, result.Error)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, e.backend.Sent(), 1)
	assert.Equal(t, uint64(40), e.backend.Sent()[0].Nonce())
}

func TestRunCancelledSendsNothing(t *testing.T) {
	e := newEnv(t, envOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.controller.Run(ctx, aliceQuery)
	assert.Equal(t, models.ResultFailed, result.Status)
	assert.Equal(t, "Cancelled", result.ErrorKind)
	assert.Empty(t, e.backend.Sent())
	assert.Equal(t, 0, e.backend.LatestCalls())
}

func TestRunDryRun(t *testing.T) {
	e := newEnv(t, envOptions{dryRun: true})

	result := e.controller.Run(context.Background(), aliceQuery)
	assert.Equal(t, models.ResultDryRun, result.Status)
	assert.True(t, result.Succeeded())
	assert.Equal(t, models.StateGasEstimated, result.State)
	require.NotNil(t, result.Call)
	assert.Equal(t, uint64(120_000), result.Call.Gas)
	assert.Empty(t, result.TxHash)
	assert.Empty(t, e.backend.Sent())
}

func TestRunAllIndependentAttempts(t *testing.T) {
	e := newEnv(t, envOptions{})

	batch := e.controller.RunAll(context.Background(), []string{aliceQuery, bobQuery, aliceQuery, "System"}, 3)
	assert.Equal(t, 4, batch.Total)
	assert.Equal(t, 3, batch.Confirmed)
	assert.Equal(t, 1, batch.Failed)
	require.Len(t, batch.Results, 4)
	assert.Equal(t, bobQuery, batch.Results[1].Query)

	ids := make(map[string]bool)
	for _, r := range batch.Results {
		ids[r.AttemptID] = true
	}
	assert.Len(t, ids, 4)

	var nonces []uint64
	for _, tx := range e.backend.Sent() {
		nonces = append(nonces, tx.Nonce())
	}
	sort.Slice(nonces, func(i, j int) bool { return nonces[i] < nonces[j] })
	assert.Equal(t, []uint64{40, 41, 42}, nonces)

	history, err := e.store.ListResults(store.Filter{})
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestWatchStopsOnCancel(t *testing.T) {
	e := newEnv(t, envOptions{dryRun: true})
	ctx, cancel := context.WithCancel(context.Background())

	var batches int
	err := e.controller.Watch(ctx, []string{aliceQuery}, time.Hour, func(b *models.BatchResult) {
		batches++
		assert.Equal(t, 1, b.Confirmed)
		cancel()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, batches)
}

func TestNewControllerRequiresAccount(t *testing.T) {
	_, err := NewController(nil, nil, nil, Options{}, logrus.New())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.KindOf(err))
}
