package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"riskpipe/internal/model"
)

// decodeEvent maps an opaque inbound payload onto a TransactionEvent.
// Field names are matched case-insensitively across the aliases seen in
// the wild; optional fields may be absent. Only an undecodable payload
// is an error. Events arriving without a transaction id get a synthetic
// one so downstream keying still works.
func decodeEvent(data []byte) (model.TransactionEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return model.TransactionEvent{}, err
	}
	fields := make(map[string]any, len(obj))
	for key, val := range obj {
		fields[strings.ToLower(key)] = val
	}

	ev := model.TransactionEvent{
		TxnID:    firstString(fields, "txn_id", "transaction_id", "txnid", "id"),
		UserID:   firstString(fields, "user_id", "user", "userid"),
		Merchant: firstString(fields, "merchant", "merchant_id", "merchantid"),
		CardID:   firstString(fields, "card_id", "card", "cardid"),
		DeviceID: firstString(fields, "device_id", "device", "deviceid"),
		IP:       firstString(fields, "ip", "source_ip", "src_ip"),
		TS:       firstString(fields, "ts", "timestamp", "time"),
		TxnType:  firstString(fields, "txn_type", "type"),
		TSStep:   int64(firstNumber(fields, "ts_step", "step")),
		Amount:   firstNumber(fields, "amount"),
	}
	if ev.TxnID == "" {
		ev.TxnID = uuid.NewString()
	}
	for key, val := range fields {
		if strings.HasPrefix(key, "label_") {
			if ev.Labels == nil {
				ev.Labels = make(map[string]any)
			}
			ev.Labels[key] = val
		}
	}
	return ev, nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := fields[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNumber(fields map[string]any, keys ...string) float64 {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				return f
			}
		}
	}
	return 0
}
