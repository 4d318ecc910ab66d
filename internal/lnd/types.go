package lnd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Int64String decodes lncli's habit of emitting large integers as JSON
// strings while also accepting plain numbers.
type Int64String int64

func (n *Int64String) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse int64 %q: %w", data, err)
	}
	*n = Int64String(v)
	return nil
}

func (n Int64String) Int64() int64 { return int64(n) }

// Channel is one entry of `lncli listchannels`.
type Channel struct {
	Active        bool        `json:"active"`
	RemotePubkey  string      `json:"remote_pubkey"`
	ChannelPoint  string      `json:"channel_point"`
	ChanID        Int64String `json:"chan_id"`
	Capacity      Int64String `json:"capacity"`
	LocalBalance  Int64String `json:"local_balance"`
	RemoteBalance Int64String `json:"remote_balance"`
	LocalReserve  Int64String `json:"local_chan_reserve_sat"`
	PeerAlias     string      `json:"peer_alias"`
}

type listChannelsResponse struct {
	Channels []Channel `json:"channels"`
}

// ForwardingEvent is one settled forward from `lncli fwdinghistory`.
type ForwardingEvent struct {
	TimestampNs Int64String `json:"timestamp_ns"`
	ChanIDIn    Int64String `json:"chan_id_in"`
	ChanIDOut   Int64String `json:"chan_id_out"`
	AmtIn       Int64String `json:"amt_in"`
	AmtOut      Int64String `json:"amt_out"`
	FeeMsat     Int64String `json:"fee_msat"`
}

type forwardingHistoryResponse struct {
	ForwardingEvents []ForwardingEvent `json:"forwarding_events"`
	LastOffsetIndex  uint64            `json:"last_offset_index"`
}

func decodeJSON(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode lncli output: %w", err)
	}
	return nil
}
