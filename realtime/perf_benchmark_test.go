package realtime

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

var benchmarkFrame = []byte(`{"action":15,"id":"conn-1:7","channel":"orders","channelSerial":"orders:7",` +
	`"connectionId":"conn-1","timestamp":1700000000000,"messages":[` +
	`{"name":"created","data":"{\"id\":42,\"total\":12.5}","encoding":"json"},` +
	`{"name":"updated","data":"aGVsbG8=","encoding":"base64"}]}`)

func BenchmarkDecodeProtocolMessage(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := decodeProtocolMessage(benchmarkFrame); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeAttach(b *testing.B) {
	message := &ProtocolMessage{Action: ActionAttach, Channel: "orders", ChannelSerial: "orders:7", Flags: FlagAttachResume}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := encodeProtocolMessage(message); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkDefaultDecoder(b *testing.B) {
	protocolMessage, err := decodeProtocolMessage(benchmarkFrame)
	if err != nil {
		b.Fatal(err)
	}
	decoder := DefaultDecoder{}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := decoder.DecodeMessages(protocolMessage); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEventEmitterEmit(b *testing.B) {
	emitter := NewEventEmitter[string, json.RawMessage](zap.NewNop())
	emitter.On("created", NewListener(func(json.RawMessage) {}))
	emitter.OnAny(NewListener(func(json.RawMessage) {}))
	payload := json.RawMessage(`{"id":42}`)
	b.Cleanup(emitter.Flush)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		emitter.Emit("created", payload)
	}
	emitter.Flush()
}
