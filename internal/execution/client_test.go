package execution_test

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"relayverify/internal/errors"
	"relayverify/internal/execution"
	"relayverify/internal/execution/exectest"
	"relayverify/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 仅用于测试的私钥
const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func newTestClient(t *testing.T, backend *exectest.Backend) *execution.Client {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	client, err := execution.NewClient(backend, execution.Config{
		ReceiptPollInterval: 5 * time.Millisecond,
		ReceiptTimeout:      2 * time.Second,
	}, logger)
	require.NoError(t, err)
	return client
}

func testAccount(t *testing.T) *execution.Account {
	t.Helper()
	account, err := execution.NewAccount(testKeyHex)
	require.NoError(t, err)
	return account
}

func mustVerifyError(t *testing.T, err error) *errors.VerifyError {
	t.Helper()
	ve, ok := errors.AsVerifyError(err)
	require.True(t, ok, "%v", err)
	return ve
}

func completeCall(t *testing.T, client *execution.Client) *models.VerificationCall {
	t.Helper()
	data, err := client.EncodeCall(execution.MethodVerifyEntry, uint32(100), models.ReadProof{
		At:    common.HexToHash("0x01"),
		Proof: [][]byte{{0x01}},
	}, []byte{0x02})
	require.NoError(t, err)
	return &models.VerificationCall{
		To:       client.Verifier(),
		Data:     data,
		Gas:      100_000,
		GasPrice: big.NewInt(1_000_000_000),
		Nonce:    0,
	}
}

func TestAccountNeverPrintsKey(t *testing.T) {
	account := testAccount(t)

	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), account.Address())

	for _, s := range []string{
		account.String(),
		fmt.Sprintf("%v", account),
		fmt.Sprintf("%+v", account),
		fmt.Sprintf("%#v", account),
	} {
		assert.NotContains(t, s, testKeyHex)
		assert.Contains(t, s, account.Address().Hex())
	}
}

func TestNewAccountInvalid(t *testing.T) {
	_, err := execution.NewAccount("")
	assert.Equal(t, errors.ErrorTypeConfig, errors.KindOf(err))

	_, err = execution.NewAccount("0xzz" + testKeyHex[4:])
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.KindOf(err))
	assert.NotContains(t, err.Error(), testKeyHex[4:])
}

func TestLoadAccountFromEnv(t *testing.T) {
	t.Setenv(execution.PrivateKeyEnv, "0x"+testKeyHex)

	account, err := execution.LoadAccount("")
	require.NoError(t, err)
	assert.Equal(t, testAccount(t).Address(), account.Address())
}

func TestEncodeCall(t *testing.T) {
	client := newTestClient(t, exectest.NewBackend(100))

	data, err := client.EncodeCall(execution.MethodVerifyEntry, uint32(100), models.ReadProof{
		At:    common.HexToHash("0xaa"),
		Proof: [][]byte{{0x01, 0x02}, {0x03}},
	}, []byte{0x04})
	require.NoError(t, err)

	parsed, err := execution.LoadABI("")
	require.NoError(t, err)
	assert.Equal(t, parsed.Methods[execution.MethodVerifyEntry].ID, data[:4])

	again, err := client.EncodeCall(execution.MethodVerifyEntry, uint32(100), models.ReadProof{
		At:    common.HexToHash("0xaa"),
		Proof: [][]byte{{0x01, 0x02}, {0x03}},
	}, []byte{0x04})
	require.NoError(t, err)
	assert.Equal(t, data, again)

	_, err = client.EncodeCall("unknownMethod")
	assert.Equal(t, errors.ErrorTypeValidation, errors.KindOf(err))

	// 区块号类型错误
	_, err = client.EncodeCall(execution.MethodVerifyEntry, uint64(100), models.ReadProof{}, []byte{})
	assert.Equal(t, errors.ErrorTypeValidation, errors.KindOf(err))
	assert.Equal(t, errors.StepEncode, errors.StepOf(err))
}

func TestLatestRelayBlockNumber(t *testing.T) {
	backend := exectest.NewBackend(100, 105)
	client := newTestClient(t, backend)
	ctx := context.Background()

	n, err := client.LatestRelayBlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), n)

	n, err = client.LatestRelayBlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(105), n)
	assert.Equal(t, 2, backend.LatestCalls())
}

func TestCallViewReverted(t *testing.T) {
	backend := exectest.NewBackend(100)
	backend.ViewErr = &exectest.RevertError{Reason: "relay block not imported"}
	client := newTestClient(t, backend)

	_, err := client.LatestRelayBlockNumber(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeCallReverted, errors.KindOf(err))
	assert.Equal(t, errors.StepLatestBlock, errors.StepOf(err))
	assert.Equal(t, "relay block not imported", errors.RevertReason(err))
}

func TestCallViewNetworkFailure(t *testing.T) {
	backend := exectest.NewBackend(100)
	backend.ViewErr = fmt.Errorf("dial tcp: connection refused")
	client := newTestClient(t, backend)

	_, err := client.LatestRelayBlockNumber(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeNetwork, errors.KindOf(err))
}

func TestEstimateGas(t *testing.T) {
	backend := exectest.NewBackend(100)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	client, err := execution.NewClient(backend, execution.Config{GasMultiplier: 1.5}, logger)
	require.NoError(t, err)

	gas, err := client.EstimateGas(context.Background(), common.Address{}, []byte{0x01})
	require.NoError(t, err)
	assert.Equal(t, uint64(180_000), gas)

	backend.EstimateErr = &exectest.RevertError{Reason: "proof verification failed"}
	_, err = client.EstimateGas(context.Background(), common.Address{}, []byte{0x01})
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeEstimation, errors.KindOf(err))
	assert.Equal(t, "proof verification failed", errors.RevertReason(err))
	assert.False(t, mustVerifyError(t, err).IsRetryable())

	backend.EstimateErr = fmt.Errorf("i/o timeout")
	_, err = client.EstimateGas(context.Background(), common.Address{}, []byte{0x01})
	assert.Equal(t, errors.ErrorTypeNetwork, errors.KindOf(err))
}

func TestSignAndSubmitConfirmed(t *testing.T) {
	backend := exectest.NewBackend(100)
	backend.PendingPolls = 2
	client := newTestClient(t, backend)
	account := testAccount(t)
	call := completeCall(t, client)

	sub, err := client.SignAndSubmit(context.Background(), call, account)
	require.NoError(t, err)

	sent := backend.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sub.Hash(), sent[0].Hash())
	assert.Equal(t, uint8(types.LegacyTxType), sent[0].Type())
	assert.Equal(t, []byte(call.Data), sent[0].Data())

	from, err := types.Sender(types.LatestSignerForChainID(backend.ChainIDValue), sent[0])
	require.NoError(t, err)
	assert.Equal(t, account.Address(), from)

	outcome := sub.Wait(context.Background())
	assert.Equal(t, models.StateConfirmed, outcome.State)
	assert.NoError(t, outcome.Err)
	require.NotNil(t, outcome.Receipt)
	assert.Equal(t, sub.Hash(), outcome.TxHash)
}

func TestSignAndSubmitReverted(t *testing.T) {
	backend := exectest.NewBackend(100)
	backend.ReceiptStatus = types.ReceiptStatusFailed
	backend.ReplayErr = &exectest.RevertError{Reason: "proof verification failed"}
	client := newTestClient(t, backend)

	sub, err := client.SignAndSubmit(context.Background(), completeCall(t, client), testAccount(t))
	require.NoError(t, err)

	outcome := sub.Wait(context.Background())
	assert.Equal(t, models.StateReverted, outcome.State)
	assert.Equal(t, "proof verification failed", outcome.RevertReason)
	assert.Equal(t, errors.ErrorTypeCallReverted, errors.KindOf(outcome.Err))
}

func TestWaitTimeoutIsTerminalNetworkFailure(t *testing.T) {
	backend := exectest.NewBackend(100)
	backend.PendingPolls = 1 << 30
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	client, err := execution.NewClient(backend, execution.Config{
		ReceiptPollInterval: 5 * time.Millisecond,
		ReceiptTimeout:      30 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	sub, err := client.SignAndSubmit(context.Background(), completeCall(t, client), testAccount(t))
	require.NoError(t, err)

	outcome := sub.Wait(context.Background())
	assert.Equal(t, models.StateNetworkFailed, outcome.State)
	assert.Equal(t, errors.ErrorTypeNetwork, errors.KindOf(outcome.Err))
	assert.False(t, mustVerifyError(t, outcome.Err).IsRetryable())
}

func TestSignAndSubmitRefusesIncompleteCall(t *testing.T) {
	backend := exectest.NewBackend(100)
	client := newTestClient(t, backend)
	call := completeCall(t, client)
	call.GasPrice = nil

	_, err := client.SignAndSubmit(context.Background(), call, testAccount(t))
	assert.Equal(t, errors.ErrorTypeValidation, errors.KindOf(err))
	assert.Empty(t, backend.Sent())
}

func TestSignAndSubmitAfterCancel(t *testing.T) {
	backend := exectest.NewBackend(100)
	client := newTestClient(t, backend)

	// 预先取得链ID，确保取消发生在签名检查处
	_, err := client.ChainID(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.SignAndSubmit(ctx, completeCall(t, client), testAccount(t))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeCancelled, errors.KindOf(err))
	assert.Empty(t, backend.Sent())
}

func TestSubmissionRejectedClassification(t *testing.T) {
	tests := []struct {
		sendErr   error
		kind      errors.ErrorType
		retryable bool
	}{
		{&exectest.RPCError{Message: "nonce too low"}, errors.ErrorTypeSubmissionRejected, true},
		{&exectest.RPCError{Message: "already known"}, errors.ErrorTypeSubmissionRejected, true},
		{&exectest.RPCError{Message: "replacement transaction underpriced"}, errors.ErrorTypeSubmissionRejected, true},
		{&exectest.RPCError{Message: "insufficient funds for gas * price + value"}, errors.ErrorTypeSubmissionRejected, false},
		{fmt.Errorf("connection reset by peer"), errors.ErrorTypeNetwork, true},
	}

	for _, tt := range tests {
		backend := exectest.NewBackend(100)
		backend.SendErrors = []error{tt.sendErr}
		client := newTestClient(t, backend)

		_, err := client.SignAndSubmit(context.Background(), completeCall(t, client), testAccount(t))
		require.Error(t, err, tt.sendErr.Error())
		assert.Equal(t, tt.kind, errors.KindOf(err), tt.sendErr.Error())
		assert.Equal(t, tt.retryable, mustVerifyError(t, err).IsRetryable(), tt.sendErr.Error())
	}
}

func useNonce(t *testing.T, nonces *execution.NonceManager, addr common.Address) uint64 {
	t.Helper()
	var got uint64
	require.NoError(t, nonces.Use(context.Background(), addr, func(nonce uint64) error {
		got = nonce
		return nil
	}))
	return got
}

func TestNonceManagerConcurrentUse(t *testing.T) {
	backend := exectest.NewBackend(100)
	addr := testAccount(t).Address()
	backend.SetNonce(addr, 7)
	nonces := execution.NewNonceManager(backend)

	const n = 50
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce := useNonce(t, nonces, addr)
			mu.Lock()
			got = append(got, nonce)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, n)
	for i, nonce := range got {
		assert.Equal(t, uint64(7+i), nonce)
	}
	assert.Equal(t, 1, backend.NonceReads())
}

func TestNonceManagerFailedUseKeepsNonce(t *testing.T) {
	backend := exectest.NewBackend(100)
	addr := common.HexToAddress("0x01")
	backend.SetNonce(addr, 3)
	nonces := execution.NewNonceManager(backend)

	assert.Equal(t, uint64(3), useNonce(t, nonces, addr))

	err := nonces.Use(context.Background(), addr, func(nonce uint64) error {
		assert.Equal(t, uint64(4), nonce)
		return errors.NewValidationError(errors.StepSign, "签名失败")
	})
	require.Error(t, err)

	pending, seeded := nonces.Pending(addr)
	assert.True(t, seeded)
	assert.Equal(t, uint64(4), pending)
	assert.Equal(t, uint64(4), useNonce(t, nonces, addr))
}

func TestNonceManagerReset(t *testing.T) {
	backend := exectest.NewBackend(100)
	addr := common.HexToAddress("0x02")
	backend.SetNonce(addr, 10)
	nonces := execution.NewNonceManager(backend)

	assert.Equal(t, uint64(10), useNonce(t, nonces, addr))

	backend.SetNonce(addr, 20)
	nonces.Reset(addr)
	_, seeded := nonces.Pending(addr)
	assert.False(t, seeded)
	assert.Equal(t, uint64(20), useNonce(t, nonces, addr))
	assert.Equal(t, 2, backend.NonceReads())
}

func TestNonceManagerResetKeepsLocalAhead(t *testing.T) {
	backend := exectest.NewBackend(100)
	addr := common.HexToAddress("0x03")
	backend.SetNonce(addr, 40)
	nonces := execution.NewNonceManager(backend)

	assert.Equal(t, uint64(40), useNonce(t, nonces, addr))
	assert.Equal(t, uint64(41), useNonce(t, nonces, addr))

	// 节点的 pending 视图还没看到 40 和 41
	backend.SetNonce(addr, 40)
	nonces.Reset(addr)
	assert.Equal(t, uint64(42), useNonce(t, nonces, addr))
}

func TestNewClientRejectsIncompleteABI(t *testing.T) {
	parsed, err := execution.LoadABI("")
	require.NoError(t, err)
	delete(parsed.Methods, execution.MethodVerifyEntry)

	_, err = execution.NewClient(exectest.NewBackend(), execution.Config{ABI: &parsed}, logrus.New())
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "ABI"))
}
