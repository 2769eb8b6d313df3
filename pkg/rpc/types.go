package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// BlockHeader is the subset of a block header this service reads.
type BlockHeader struct {
	Height    uint64 `json:"height"`
	Hash      string `json:"hash"`
	PrevHash  string `json:"prev_hash"`
	Timestamp uint64 `json:"timestamp"`
}

// Block is a chain block as returned by the `block` method.
type Block struct {
	Author string      `json:"author"`
	Header BlockHeader `json:"header"`
}

// ChangeCause identifies what produced a state change.
type ChangeCause struct {
	Type        string `json:"type"`
	TxHash      string `json:"tx_hash,omitempty"`
	ReceiptHash string `json:"receipt_hash,omitempty"`
}

// ChangeValue is the payload of a state change. Account updates fill Amount and Locked,
// data updates fill KeyBase64 and ValueBase64.
type ChangeValue struct {
	AccountID   string `json:"account_id"`
	Amount      string `json:"amount,omitempty"`
	Locked      string `json:"locked,omitempty"`
	KeyBase64   string `json:"key_base64,omitempty"`
	ValueBase64 string `json:"value_base64,omitempty"`
}

// StateChange is one entry of EXPERIMENTAL_changes.
type StateChange struct {
	Cause  ChangeCause `json:"cause"`
	Type   string      `json:"type"`
	Change ChangeValue `json:"change"`
}

// Change types reported by EXPERIMENTAL_changes.
const (
	ChangeAccountUpdate   = "account_update"
	ChangeAccountDeletion = "account_deletion"
	ChangeDataUpdate      = "data_update"
	ChangeDataDeletion    = "data_deletion"
)

// Cause types reported by EXPERIMENTAL_changes.
const (
	CauseTransaction      = "transaction_processing"
	CauseReceipt          = "receipt_processing"
	CauseActionReceiptGas = "action_receipt_gas_reward"
)

// FunctionCall is a FunctionCall action with its arguments decoded from base64.
type FunctionCall struct {
	MethodName string
	Args       []byte
	Deposit    string
}

// Receipt is the result of EXPERIMENTAL_receipt.
type Receipt struct {
	ReceiptID     string
	PredecessorID string
	ReceiverID    string
	SignerID      string
	Calls         []FunctionCall
	Transfers     []string
}

type rawReceipt struct {
	ReceiptID     string `json:"receipt_id"`
	PredecessorID string `json:"predecessor_id"`
	ReceiverID    string `json:"receiver_id"`
	Receipt       struct {
		Action *struct {
			SignerID string            `json:"signer_id"`
			Actions  []json.RawMessage `json:"actions"`
		} `json:"Action"`
	} `json:"receipt"`
}

func (r rawReceipt) decode() (*Receipt, error) {
	out := &Receipt{ReceiptID: r.ReceiptID, PredecessorID: r.PredecessorID, ReceiverID: r.ReceiverID}
	if r.Receipt.Action == nil {
		return out, nil
	}
	out.SignerID = r.Receipt.Action.SignerID
	for _, raw := range r.Receipt.Action.Actions {
		// Argument-less actions such as "CreateAccount" are encoded as bare strings.
		if len(raw) > 0 && raw[0] == '"' {
			continue
		}
		var a struct {
			FunctionCall *struct {
				MethodName string `json:"method_name"`
				Args       string `json:"args"`
				Deposit    string `json:"deposit"`
			} `json:"FunctionCall"`
			Transfer *struct {
				Deposit string `json:"deposit"`
			} `json:"Transfer"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("receipt %s action: %w", r.ReceiptID, err)
		}
		switch {
		case a.FunctionCall != nil:
			args, err := base64.StdEncoding.DecodeString(a.FunctionCall.Args)
			if err != nil {
				return nil, fmt.Errorf("receipt %s args: %w", r.ReceiptID, err)
			}
			out.Calls = append(out.Calls, FunctionCall{
				MethodName: a.FunctionCall.MethodName,
				Args:       args,
				Deposit:    a.FunctionCall.Deposit,
			})
		case a.Transfer != nil:
			out.Transfers = append(out.Transfers, a.Transfer.Deposit)
		}
	}
	return out, nil
}

// Outcome is one execution outcome of a transaction or receipt.
type Outcome struct {
	ID         string   `json:"id"`
	BlockHash  string   `json:"block_hash"`
	ExecutorID string   `json:"executor_id"`
	ReceiptIDs []string `json:"receipt_ids"`
}

// TxStatus is the result of EXPERIMENTAL_tx_status.
type TxStatus struct {
	Hash               string
	SignerID           string
	ReceiverID         string
	TransactionOutcome Outcome
	ReceiptsOutcome    []Outcome
}

type rawOutcome struct {
	ID        string `json:"id"`
	BlockHash string `json:"block_hash"`
	Outcome   struct {
		ExecutorID string   `json:"executor_id"`
		ReceiptIDs []string `json:"receipt_ids"`
	} `json:"outcome"`
}

func (o rawOutcome) decode() Outcome {
	return Outcome{ID: o.ID, BlockHash: o.BlockHash, ExecutorID: o.Outcome.ExecutorID, ReceiptIDs: o.Outcome.ReceiptIDs}
}

type rawTxStatus struct {
	Transaction struct {
		Hash       string `json:"hash"`
		SignerID   string `json:"signer_id"`
		ReceiverID string `json:"receiver_id"`
	} `json:"transaction"`
	TransactionOutcome rawOutcome   `json:"transaction_outcome"`
	ReceiptsOutcome    []rawOutcome `json:"receipts_outcome"`
}

func (r rawTxStatus) decode() *TxStatus {
	out := &TxStatus{
		Hash:               r.Transaction.Hash,
		SignerID:           r.Transaction.SignerID,
		ReceiverID:         r.Transaction.ReceiverID,
		TransactionOutcome: r.TransactionOutcome.decode(),
	}
	for _, o := range r.ReceiptsOutcome {
		out.ReceiptsOutcome = append(out.ReceiptsOutcome, o.decode())
	}
	return out
}
