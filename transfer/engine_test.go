package transfer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"filerelay/network"
)

func TestRoundTripAcrossSizes(t *testing.T) {
	sizes := []int{0, 1, 511, 512, 513, 1024, 2500, 10000}
	chunkSizes := []int{512, 1024, 4096}

	for _, encrypted := range []bool{false, true} {
		for _, size := range sizes {
			for _, chunkSize := range chunkSizes {
				name := fmt.Sprintf("encrypted=%v/size=%d/chunk=%d", encrypted, size, chunkSize)
				t.Run(name, func(t *testing.T) {
					key := ""
					if encrypted {
						key = "correct horse"
					}
					lb := newLoopback(t,
						Options{ChunkSize: chunkSize, DefaultKey: key},
						Options{DefaultKey: key, AutoAccept: true},
					)

					data := patternBytes(size)
					sent, err := lb.sender.engine.Send(context.Background(), BytesSource("data.bin", "", data), SendOptions{})
					require.NoError(t, err)
					require.Equal(t, ChunkCount(int64(size), chunkSize), sent.TotalChunks)
					require.Equal(t, sent.TotalChunks, sent.SentChunks)
					require.Equal(t, StateFinished, sent.State)
					require.Equal(t, encrypted, sent.Encrypted)

					require.Empty(t, lb.pump())

					files := lb.receiver.delivered()
					require.Len(t, files, 1)
					require.Equal(t, sent.ID, files[0].TransferID)
					require.Equal(t, "data.bin", files[0].Name)
					require.Equal(t, int64(size), files[0].Size)
					require.Equal(t, len(data), len(files[0].Data))
					if size > 0 {
						require.Equal(t, data, files[0].Data)
					}

					got, ok := lb.receiver.engine.Incoming(sent.ID)
					require.True(t, ok)
					require.True(t, got.Ready)
					require.Equal(t, sent.TotalChunks, got.ReceivedCount)
					require.Zero(t, got.MissingTries)
				})
			}
		}
	}
}

func TestScenarioChunkLayout(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 1024}, Options{AutoAccept: true})

	_, err := lb.sender.engine.Send(context.Background(), BytesSource("a.txt", "", patternBytes(2500)), SendOptions{})
	require.NoError(t, err)

	headers := lb.sender.sentOps(network.OpHeader)
	require.Len(t, headers, 1)
	require.Equal(t, 3, headers[0].Header.TotalChunks)
	require.Equal(t, 1024, headers[0].Header.ChunkSize)
	require.NotEmpty(t, headers[0].Header.Mime)
	require.Nil(t, headers[0].Header.Encryption)

	chunks := lb.sender.sentOps(network.OpChunk)
	require.Len(t, chunks, 3)
	wantLens := []int{1024, 1024, 452}
	for i, env := range chunks {
		require.Equal(t, i+1, env.Chunk.Seq)
		require.Equal(t, wantLens[i], env.Chunk.ChunkSize)
		raw, err := base64.StdEncoding.DecodeString(env.Chunk.Data)
		require.NoError(t, err)
		require.Len(t, raw, wantLens[i])
	}
	require.Len(t, lb.sender.sentOps(network.OpComplete), 1)
}

func TestScenarioPassphraseMismatch(t *testing.T) {
	lb := newLoopback(t,
		Options{ChunkSize: 1024, DefaultKey: "secret", Iterations: -1},
		Options{DefaultKey: "wrong", AutoAccept: true},
	)
	data := patternBytes(3000)

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("s.bin", "", data), SendOptions{})
	require.NoError(t, err)

	header := lb.sender.sentOps(network.OpHeader)[0].Header
	require.NotNil(t, header.Encryption)
	require.Equal(t, 120000, header.Encryption.Iterations)
	require.Equal(t, "AES-GCM", header.Encryption.Alg)
	require.Equal(t, 12, header.Encryption.IVBytes)

	errs := lb.pump()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrPassphraseMismatch)
	require.False(t, errors.Is(errs[0], ErrDecryption))

	got, ok := lb.receiver.engine.Incoming(sent.ID)
	require.True(t, ok)
	require.False(t, got.Ready)
	require.Equal(t, 3, got.ReceivedCount)
	require.Contains(t, got.LastError, "passphrase mismatch")
	require.Empty(t, lb.receiver.delivered())
	require.Len(t, lb.receiver.statusOps(StatusError), 1)

	require.NoError(t, lb.receiver.engine.SetPassphrase(sent.ID, "secret"))
	files := lb.receiver.delivered()
	require.Len(t, files, 1)
	require.Equal(t, data, files[0].Data)
}

func TestScenarioMissingChunkIsResent(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{AutoAccept: true})
	lb.drop = dropOnce(2)
	data := patternBytes(5 * 512)

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("f.bin", "", data), SendOptions{})
	require.NoError(t, err)
	require.Equal(t, 5, sent.TotalChunks)
	require.Empty(t, lb.pump())

	requests := lb.receiver.sentOps(network.OpRequest)
	require.Len(t, requests, 1)
	require.Equal(t, []int{2}, requests[0].Request.Missing)

	resends := lb.sender.statusOps(StatusResend)
	require.Len(t, resends, 1)
	require.Equal(t, 2, resends[0].Seq)

	got, _ := lb.receiver.engine.Incoming(sent.ID)
	require.True(t, got.Ready)
	require.Equal(t, 1, got.MissingTries)
	require.Equal(t, data, lb.receiver.delivered()[0].Data)
}

func TestScenarioCancelAfterFirstChunk(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{AutoAccept: true})
	ctx := context.Background()
	sender := lb.sender.engine

	begun, err := sender.Begin(ctx, BytesSource("c.bin", "", patternBytes(5*512)), SendOptions{})
	require.NoError(t, err)
	done, err := sender.Step(ctx)
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, sender.Cancel(""))
	done, err = sender.Step(ctx)
	require.NoError(t, err)
	require.True(t, done)

	out := sender.Outgoing()
	require.True(t, out.Cancelled)
	require.Equal(t, 1, out.SentChunks)
	require.Equal(t, StateCancelled, out.State)
	require.Zero(t, out.CachedChunks)

	cancels := lb.sender.sentOps(network.OpCancel)
	require.Len(t, cancels, 1)
	require.Equal(t, ReasonSenderCancel, cancels[0].Cancel.Reason)
	require.Len(t, lb.sender.sentOps(network.OpChunk), 1)
	require.Empty(t, lb.sender.sentOps(network.OpComplete))

	require.Empty(t, lb.pump())
	got, ok := lb.receiver.engine.Incoming(begun.ID)
	require.True(t, ok)
	require.True(t, got.Cancelled)
	require.Equal(t, ReasonSenderCancel, got.CancelReason)
	require.Zero(t, got.ReceivedCount)

	require.Zero(t, sender.sender.ServeRequest(begun.ID, []int{2, 3, 4, 5}))
	require.Len(t, lb.sender.sentOps(network.OpChunk), 1)
}

func TestResendIsBitIdenticalAndIdempotent(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512, DefaultKey: "k"}, Options{DefaultKey: "k", AutoAccept: true})

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("r.bin", "", patternBytes(2000)), SendOptions{})
	require.NoError(t, err)

	// header, then chunks 1..4
	original := lb.sender.payloads[3]
	first := len(lb.sender.payloads)

	require.Equal(t, 1, lb.sender.engine.sender.ServeRequest(sent.ID, []int{3, 99}))
	require.Equal(t, 1, lb.sender.engine.sender.ServeRequest(sent.ID, []int{3}))

	resent := lb.sender.payloads[first:]
	require.Len(t, resent, 2)
	require.Equal(t, original, resent[0])
	require.Equal(t, original, resent[1])

	require.Empty(t, lb.pump())
	got, _ := lb.receiver.engine.Incoming(sent.ID)
	require.True(t, got.Ready)
	require.Equal(t, 4, got.ReceivedCount)
	require.Len(t, lb.receiver.delivered(), 1)
}

func TestResendRequestsConvergeWithRepeatedLoss(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{AutoAccept: true})
	data := patternBytes(8 * 512)

	// The first two copies of chunks 3 and 6 are lost.
	lost := map[int]int{3: 2, 6: 2}
	lb.drop = func(_ string, env network.Envelope) bool {
		if env.Op != network.OpChunk || lost[env.Chunk.Seq] == 0 {
			return false
		}
		lost[env.Chunk.Seq]--
		return true
	}

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("l.bin", "", data), SendOptions{})
	require.NoError(t, err)
	require.Empty(t, lb.pump())

	got, _ := lb.receiver.engine.Incoming(sent.ID)
	require.False(t, got.Ready)
	require.Equal(t, []int{3, 6}, got.Missing)

	for i := 0; i < 3 && !got.Ready; i++ {
		_ = lb.receiver.engine.Retry(sent.ID)
		require.Empty(t, lb.pump())
		got, _ = lb.receiver.engine.Incoming(sent.ID)
	}
	require.True(t, got.Ready)
	require.Equal(t, 2, got.MissingTries)
	require.Equal(t, data, lb.receiver.delivered()[0].Data)
}

func TestResendExhausted(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{AutoAccept: true, MaxResendRequests: 2})
	lb.drop = func(_ string, env network.Envelope) bool {
		return env.Op == network.OpChunk && env.Chunk.Seq == 2
	}

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("x.bin", "", patternBytes(3*512)), SendOptions{})
	require.NoError(t, err)
	require.Empty(t, lb.pump())

	err = lb.receiver.engine.Retry(sent.ID)
	require.ErrorIs(t, err, ErrMissingChunks)
	require.Empty(t, lb.pump())

	err = lb.receiver.engine.Retry(sent.ID)
	require.ErrorIs(t, err, ErrResendExhausted)
	require.Len(t, lb.receiver.sentOps(network.OpRequest), 2)
}

func TestBeginWhileActiveIsRejected(t *testing.T) {
	lb := newLoopback(t, Options{}, Options{})
	ctx := context.Background()

	first, err := lb.sender.engine.Begin(ctx, BytesSource("one.bin", "", patternBytes(4096)), SendOptions{})
	require.NoError(t, err)
	_, err = lb.sender.engine.Step(ctx)
	require.NoError(t, err)
	before := lb.sender.engine.Outgoing()

	_, err = lb.sender.engine.Begin(ctx, BytesSource("two.bin", "", patternBytes(10)), SendOptions{})
	require.ErrorIs(t, err, ErrTransferBusy)
	require.Equal(t, before, lb.sender.engine.Outgoing())
	require.Equal(t, first.ID, before.ID)
	require.Len(t, lb.sender.sentOps(network.OpHeader), 1)
}

func TestFinishedTransferIsRetainedUntilReleased(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{AutoAccept: true})
	ctx := context.Background()
	engine := lb.sender.engine

	sent, err := engine.Send(ctx, BytesSource("a.bin", "", patternBytes(1500)), SendOptions{})
	require.NoError(t, err)
	require.Equal(t, 3, engine.Outgoing().CachedChunks)
	require.Equal(t, 1, engine.sender.ServeRequest(sent.ID, []int{1}))

	require.True(t, engine.Release())
	require.Equal(t, StateIdle, engine.Outgoing().State)
	require.Zero(t, engine.sender.ServeRequest(sent.ID, []int{1}))

	_, err = engine.Send(ctx, BytesSource("b.bin", "", patternBytes(10)), SendOptions{})
	require.NoError(t, err)
}

func TestNextSendSupersedesFinishedTransfer(t *testing.T) {
	lb := newLoopback(t, Options{}, Options{})
	ctx := context.Background()
	engine := lb.sender.engine

	first, err := engine.Send(ctx, BytesSource("a.bin", "", patternBytes(100)), SendOptions{})
	require.NoError(t, err)
	second, err := engine.Send(ctx, BytesSource("b.bin", "", patternBytes(100)), SendOptions{})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Zero(t, engine.sender.ServeRequest(first.ID, []int{1}))
}

func TestRemoteCancelAbortsSenderWithoutEcho(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{})
	ctx := context.Background()
	engine := lb.sender.engine

	begun, err := engine.Begin(ctx, BytesSource("a.bin", "", patternBytes(4*512)), SendOptions{})
	require.NoError(t, err)
	_, err = engine.Step(ctx)
	require.NoError(t, err)

	payload, err := network.Envelope{Op: network.OpCancel, Cancel: &network.Cancel{
		Base:   network.NewBase(network.OpCancel, begun.ID),
		Reason: "receiver-declined",
	}}.Encode()
	require.NoError(t, err)
	require.NoError(t, engine.HandleInbound(network.Inbound{Payload: payload, From: "receiver"}))

	out := engine.Outgoing()
	require.True(t, out.Cancelled)
	require.Equal(t, "receiver-declined", out.CancelReason)
	require.Empty(t, lb.sender.sentOps(network.OpCancel))

	done, err := engine.Step(ctx)
	require.NoError(t, err)
	require.True(t, done)
	require.Len(t, lb.sender.sentOps(network.OpChunk), 1)
}

func TestContextCancellationCancelsSend(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lb.sender.engine.Send(ctx, BytesSource("a.bin", "", patternBytes(2048)), SendOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, lb.sender.sentOps(network.OpHeader))
}

func TestOutOfOrderArrival(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512, DefaultKey: "pw"}, Options{DefaultKey: "pw", AutoAccept: true})
	data := patternBytes(6*512 + 17)

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("o.bin", "", data), SendOptions{})
	require.NoError(t, err)

	// Chunks arrive newest first and ahead of the header.
	lb.reorder(func(q []queued) []queued {
		header, chunks, complete := q[0], q[1:len(q)-1], q[len(q)-1]
		out := make([]queued, 0, len(q))
		for i := len(chunks) - 1; i >= 0; i-- {
			out = append(out, chunks[i])
		}
		return append(out, header, complete)
	})
	errs := lb.pump()
	require.Empty(t, errs)

	got, _ := lb.receiver.engine.Incoming(sent.ID)
	require.True(t, got.Ready)
	require.Equal(t, "o.bin", got.Name)
	require.Equal(t, data, lb.receiver.delivered()[0].Data)
	require.Empty(t, lb.receiver.sentOps(network.OpRequest))
}

func TestDuplicateChunksCountOnce(t *testing.T) {
	lb := newLoopback(t, Options{ChunkSize: 512}, Options{AutoAccept: true})
	lb.duplicate = true
	data := patternBytes(3*512 - 5)

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("d.bin", "", data), SendOptions{})
	require.NoError(t, err)
	require.Empty(t, lb.pump())

	got, _ := lb.receiver.engine.Incoming(sent.ID)
	require.True(t, got.Ready)
	require.Equal(t, 3, got.ReceivedCount)
	require.Len(t, lb.receiver.delivered(), 1)
	require.Equal(t, data, got.Data)
}

func TestAcceptHoldsFileUntilCalled(t *testing.T) {
	lb := newLoopback(t, Options{}, Options{AutoAccept: false})

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("h.bin", "", patternBytes(100)), SendOptions{})
	require.NoError(t, err)
	require.Empty(t, lb.pump())

	got, _ := lb.receiver.engine.Incoming(sent.ID)
	require.True(t, got.Ready)
	require.False(t, got.Delivered)
	require.Empty(t, lb.receiver.delivered())

	require.NoError(t, lb.receiver.engine.Accept(sent.ID))
	require.Len(t, lb.receiver.delivered(), 1)
	require.ErrorIs(t, lb.receiver.engine.Accept("nope"), ErrUnknownTransfer)
}

func TestHeaderReplacesReadyTransfer(t *testing.T) {
	lb := newLoopback(t, Options{}, Options{AutoAccept: true})
	ctx := context.Background()

	first, err := lb.sender.engine.Send(ctx, BytesSource("v1.bin", "", patternBytes(700)), SendOptions{TransferID: "same"})
	require.NoError(t, err)
	require.Empty(t, lb.pump())

	_, err = lb.sender.engine.Send(ctx, BytesSource("v2.bin", "", patternBytes(300)), SendOptions{TransferID: first.ID})
	require.NoError(t, err)
	require.Empty(t, lb.pump())

	got, _ := lb.receiver.engine.Incoming("same")
	require.True(t, got.Ready)
	require.Equal(t, "v2.bin", got.Name)
	require.Len(t, got.Data, 300)
	require.Len(t, lb.receiver.delivered(), 2)
}

func TestEncryptedTransferWithoutReceiverKey(t *testing.T) {
	lb := newLoopback(t, Options{DefaultKey: "pw"}, Options{AutoAccept: true})

	sent, err := lb.sender.engine.Send(context.Background(), BytesSource("e.bin", "", patternBytes(100)), SendOptions{})
	require.NoError(t, err)

	errs := lb.pump()
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrPassphraseMismatch)

	require.NoError(t, lb.receiver.engine.SetPassphrase(sent.ID, "pw"))
	require.Len(t, lb.receiver.delivered(), 1)
}

func TestPerSendPassphraseOverridesDefault(t *testing.T) {
	lb := newLoopback(t, Options{DefaultKey: "default"}, Options{DefaultKey: "override", AutoAccept: true})

	_, err := lb.sender.engine.Send(context.Background(), BytesSource("p.bin", "", patternBytes(100)), SendOptions{Passphrase: "override"})
	require.NoError(t, err)
	require.Empty(t, lb.pump())
	require.Len(t, lb.receiver.delivered(), 1)
}

func TestInvalidSourceRejected(t *testing.T) {
	lb := newLoopback(t, Options{}, Options{})

	_, err := lb.sender.engine.Send(context.Background(), Source{Name: "x"}, SendOptions{})
	require.ErrorIs(t, err, ErrInvalidInput)
	require.Equal(t, StateIdle, lb.sender.engine.Outgoing().State)
}

func TestHandleInboundIgnoresForeignPayloads(t *testing.T) {
	lb := newLoopback(t, Options{}, Options{})
	engine := lb.receiver.engine

	for _, payload := range []string{
		`not json`,
		`{"kind":"chat","op":"header","transferId":"x"}`,
		`{"kind":"file","op":"bogus","transferId":"x"}`,
		`{"kind":"file","op":"chunk"}`,
	} {
		require.NoError(t, engine.HandleInbound(network.Inbound{Payload: []byte(payload)}))
	}
	require.Empty(t, engine.Transfers())
}

func TestNewEngineRequiresTransport(t *testing.T) {
	_, err := NewEngine(nil, Options{})
	require.ErrorIs(t, err, ErrInvalidInput)
}
