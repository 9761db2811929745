package session

import (
	"context"

	"transactor/internal/core"
	"transactor/pkg/domain"
)

func (m *Manager) dispatch(ctx context.Context, s *Session, req Request) Response {
	result, err := m.call(ctx, s, req)
	if err != nil {
		return ErrorResponse(req.ID, err)
	}
	return Response{ID: req.ID, Result: result}
}

func (m *Manager) call(ctx context.Context, s *Session, req Request) (any, error) {
	ctx = core.WithSession(ctx, &core.SessionData{Account: s.Account, SessionID: s.ID})
	p := s.ws.pipeline
	switch req.Method {
	case MethodHello:
		return HelloResult{SessionID: s.ID, Workspace: s.Workspace, Account: s.Account, Upgrade: s.Upgrade}, nil
	case MethodPing:
		return "pong", nil
	case MethodTx:
		var txes domain.TxList
		if err := decodeParams(req, &txes); err != nil {
			return nil, err
		}
		if len(txes) == 0 {
			return nil, domain.BadRequest("tx: empty batch")
		}
		res, err := p.Tx(ctx, txes)
		if err != nil {
			return nil, err
		}
		return txResult(txes, res), nil
	case MethodFindAll:
		var params FindParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return m.find(ctx, p, params.Class, params.Query, params.Options)
	case MethodSubscribe:
		var params SubscribeParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if params.QueryID == "" {
			return nil, domain.BadRequest("subscribe: queryId required")
		}
		docs, err := m.find(ctx, p, params.Class, params.Query, nil)
		if err != nil {
			return nil, err
		}
		s.subscribe(params.QueryID, subscription{Class: params.Class, Query: params.Query})
		return docs, nil
	case MethodUnsubscribe:
		var params UnsubscribeParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return s.unsubscribe(params.QueryID), nil
	}
	return nil, domain.BadRequest("unknown method %q", req.Method)
}

func (m *Manager) find(ctx context.Context, p *core.Pipeline, class domain.Ref, query domain.Query, opts *domain.FindOptions) ([]domain.Doc, error) {
	if class == "" {
		return nil, domain.BadRequest("findAll: _class required")
	}
	docs, err := p.FindAll(ctx, class, query, opts)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []domain.Doc{}
	}
	return docs, nil
}

func txResult(txes []domain.Tx, res core.TxResult) TxResult {
	out := TxResult{Committed: make([]domain.Ref, 0, len(res.Outcomes)), Skipped: res.Skipped}
	for _, o := range res.Outcomes {
		out.Committed = append(out.Committed, o.Tx.Header().ID)
	}
	for _, tx := range domain.Flatten(txes) {
		upd, ok := domain.Unwrap(tx).(*domain.TxUpdateDoc)
		if !ok || !upd.Retrieve {
			continue
		}
		if o, ok := res.Find(tx.Header().ID); ok && o.After != nil {
			out.Docs = append(out.Docs, *o.After)
		}
	}
	return out
}
