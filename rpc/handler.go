package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tolelom/tolbft/consensus"
	"github.com/tolelom/tolbft/ledger"
)

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	core    *consensus.Core
	txs     *consensus.TransactionClient
	ledger  *ledger.Ledger
	chainID string // expected chain_id; rejects cross-chain replay transactions
}

// NewHandler creates an RPC Handler.
func NewHandler(core *consensus.Core, txs *consensus.TransactionClient, led *ledger.Ledger, chainID string) *Handler {
	return &Handler{core: core, txs: txs, ledger: led, chainID: chainID}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "submitTransaction":
		return h.submitTransaction(req)

	case "getMissingBlocks":
		return h.getMissingBlocks(req)

	case "getHighestAcceptedRounds":
		return h.getHighestAcceptedRounds(req)

	case "getCommit":
		return h.getCommit(req)

	case "getCommitIndex":
		return h.getCommitIndex(req)

	case "health":
		return okResponse(req.ID, map[string]string{"status": "ok"})

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) submitTransaction(req Request) Response {
	var params struct {
		ChainID string `json:"chain_id"`
		Data    []byte `json:"data"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}
	if params.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", params.ChainID, h.chainID))
	}
	if len(params.Data) == 0 {
		return errResponse(req.ID, CodeInvalidParams, "data is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.txs.Submit(ctx, params.Data); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]bool{"accepted": true})
}

func (h *Handler) getMissingBlocks(req Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	refs, err := h.core.GetMissingBlocks(ctx)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, refs)
}

func (h *Handler) getHighestAcceptedRounds(req Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rounds, err := h.core.GetHighestAcceptedRounds(ctx)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, rounds)
}

func (h *Handler) getCommit(req Request) Response {
	var params struct {
		Index uint64 `json:"index"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	rec, found, err := h.ledger.GetCommit(params.Index)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if !found {
		return errResponse(req.ID, CodeInvalidParams, fmt.Sprintf("no commit at index %d", params.Index))
	}
	return okResponse(req.ID, rec)
}

func (h *Handler) getCommitIndex(req Request) Response {
	index, found, err := h.ledger.LatestCommitIndex()
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if !found {
		return okResponse(req.ID, map[string]any{"commit_index": nil})
	}
	return okResponse(req.ID, map[string]any{"commit_index": index})
}
