package lnd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/telemetry"
)

type fakeRunner struct {
	lncliOut  []byte
	lncliErr  error
	failTimes int
	calls     int

	logsOut []byte
	logsErr error
}

func (f *fakeRunner) Lncli(ctx context.Context, args ...string) ([]byte, error) {
	f.calls++
	if f.failTimes > 0 {
		f.failTimes--
		return nil, errors.New("transient failure")
	}
	return f.lncliOut, f.lncliErr
}

func (f *fakeRunner) Logs(ctx context.Context, since time.Time) ([]byte, error) {
	return f.logsOut, f.logsErr
}

func testClient(runner Runner) *Client {
	return NewClientWithRunner(runner, time.Second, 2, zerolog.Nop())
}

const listChannelsJSON = `{
  "channels": [
    {
      "active": true,
      "remote_pubkey": "03864ef",
      "channel_point": "aa:0",
      "chan_id": "123456789",
      "capacity": "1000000",
      "local_balance": "400000",
      "remote_balance": "600000",
      "peer_alias": "ACINQ"
    },
    {
      "active": false,
      "remote_pubkey": "02f1a8c",
      "channel_point": "bb:1",
      "chan_id": 987654321,
      "capacity": "2000000",
      "local_balance": "100000",
      "remote_balance": "1900000"
    }
  ]
}`

func TestListChannelsParsesStringNumbers(t *testing.T) {
	client := testClient(&fakeRunner{lncliOut: []byte(listChannelsJSON)})

	channels, err := client.ListChannels(context.Background())
	if err != nil {
		t.Fatalf("ListChannels 失败: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("通道数 = %d, 应为 2", len(channels))
	}

	first := channels[0]
	if first.Capacity.Int64() != 1000000 || first.LocalBalance.Int64() != 400000 {
		t.Fatalf("字符串数字解析错误: %+v", first)
	}
	if first.PeerAlias != "ACINQ" || !first.Active {
		t.Fatalf("字段解析错误: %+v", first)
	}

	// Unquoted numbers must parse too.
	if channels[1].ChanID.Int64() != 987654321 {
		t.Fatalf("裸数字解析错误: %+v", channels[1])
	}
}

const fwdHistoryJSON = `{
  "forwarding_events": [
    {
      "timestamp_ns": "1700000000000000000",
      "chan_id_in": "111",
      "chan_id_out": "222",
      "amt_in": "5005",
      "amt_out": "5000",
      "fee_msat": "5000"
    }
  ],
  "last_offset_index": 1
}`

func TestForwardingHistoryAndTelemetry(t *testing.T) {
	client := testClient(&fakeRunner{lncliOut: []byte(fwdHistoryJSON)})

	events, err := client.ForwardingHistory(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("ForwardingHistory 失败: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("事件数 = %d, 应为 1", len(events))
	}

	tele := Forwards(events)
	if len(tele) != 2 {
		t.Fatalf("每次转发应产生两条遥测记录, 实际 %d", len(tele))
	}

	var out, in *telemetry.Event
	for i := range tele {
		if tele[i].Inbound {
			in = &tele[i]
		} else {
			out = &tele[i]
		}
	}
	if out == nil || out.ChannelID != "222" || out.AmountSat != 5000 || out.FeeMsat != 5000 {
		t.Fatalf("出向遥测错误: %+v", out)
	}
	if in == nil || in.ChannelID != "111" || in.AmountSat != 5005 {
		t.Fatalf("入向遥测错误: %+v", in)
	}
}

func TestLncliRetriesTransientFailures(t *testing.T) {
	runner := &fakeRunner{lncliOut: []byte(listChannelsJSON), failTimes: 2}
	client := testClient(runner)

	if _, err := client.ListChannels(context.Background()); err != nil {
		t.Fatalf("两次瞬时失败后应成功: %v", err)
	}
	if runner.calls != 3 {
		t.Fatalf("调用次数 = %d, 应为 3", runner.calls)
	}
}

func TestLncliExhaustsRetries(t *testing.T) {
	runner := &fakeRunner{failTimes: 10}
	client := testClient(runner)

	if _, err := client.ListChannels(context.Background()); err == nil {
		t.Fatal("重试耗尽后应报错")
	}
	if runner.calls != 3 {
		t.Fatalf("调用次数 = %d, 应为 3", runner.calls)
	}
}

func TestHtlcFailuresParsesLog(t *testing.T) {
	log := `2026-08-29 12:00:01.000 [ERR] HSWC: ChannelLink(aabbcc:0): failing htlc, insufficient bandwidth
2026-08-29 12:00:02.000 [INF] HSWC: unrelated line
2026-08-29 12:00:03.000 [ERR] HSWC: ChannelLink(aabbcc:0): unable to forward htlc
2026-08-29 12:00:04.000 [ERR] HSWC: ChannelLink(ddeeff:1): failing htlc
`
	client := testClient(&fakeRunner{logsOut: []byte(log)})

	fails, err := client.HtlcFailures(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("HtlcFailures 失败: %v", err)
	}
	if fails["aabbcc:0"] != 2 || fails["ddeeff:1"] != 1 {
		t.Fatalf("失败计数错误: %+v", fails)
	}
}
