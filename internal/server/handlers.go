package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"stageline/internal/actiontoken"
	"stageline/internal/domain"
	"stageline/internal/engine"
	"stageline/internal/repo"
)

var actErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
}

func registerInitiatives(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-initiative",
		Method:        http.MethodPost,
		Path:          "/initiatives",
		Summary:       "Register an initiative and open evaluation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Seed bool `query:"seed" default:"true" doc:"Open stage 2 in the same transaction"`
		Body CreateInitiativeRequest `json:"body"`
	}) (*struct {
		Body RegisterResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		u, err := currentUser(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.CreateOptions{
			ID:          strings.TrimSpace(input.Body.ID),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Site:        strings.TrimSpace(input.Body.Site),
			CreatedBy:   u.Name,
		}
		var resp RegisterResponse
		if input.Seed {
			in, rows, err := e.Register(ctx, opts)
			if err != nil {
				return nil, handleError(err)
			}
			resp = RegisterResponse{Initiative: in, Ledger: rows}
		} else {
			in, err := e.Create(ctx, opts)
			if err != nil {
				return nil, handleError(err)
			}
			rows, err := e.GetLedger(ctx, in.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp = RegisterResponse{Initiative: in, Ledger: rows}
		}
		return &struct {
			Body RegisterResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "seed-initiative",
		Method:      http.MethodPost,
		Path:        "/initiatives/{initiative_id}/seed",
		Summary:     "Open stage 2 for an initiative created without it",
		Errors:      actErrors,
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.StageTransaction `json:"body"`
	}, error) {
		row, err := e.Seed(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageTransaction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-initiatives",
		Method:      http.MethodGet,
		Path:        "/initiatives",
		Summary:     "List initiatives",
	}, func(ctx context.Context, input *struct {
		Site   string `query:"site"`
		Status string `query:"status" enum:"Pending,InProgress,Completed,Rejected"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Initiative `json:"body"`
	}, error) {
		items, err := e.ListInitiatives(ctx, repo.InitiativeFilters{
			Site:   input.Site,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Initiative `json:"body"`
		}{Body: nonNil(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-initiative",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}",
		Summary:     "Get initiative with its current pending row",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body InitiativeDetail `json:"body"`
	}, error) {
		in, err := e.GetInitiative(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		pending, err := e.GetCurrentPending(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		progress, err := e.GetProgress(ctx, in.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InitiativeDetail `json:"body"`
		}{Body: InitiativeDetail{Initiative: in, CurrentPending: pending, Progress: progress}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ledger",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/ledger",
		Summary:     "Stage ledger ordered by stage number",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Visible      bool   `query:"visible" doc:"Hide lead rows whose predecessor is not yet approved"`
	}) (*struct {
		Body []domain.StageTransaction `json:"body"`
	}, error) {
		var rows []domain.StageTransaction
		var err error
		if input.Visible {
			rows, err = e.GetVisibleLedger(ctx, input.InitiativeID)
		} else {
			rows, err = e.GetLedger(ctx, input.InitiativeID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageTransaction `json:"body"`
		}{Body: nonNil(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-current-pending",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/pending",
		Summary:     "Actionable row of an initiative",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body PendingResponse `json:"body"`
	}, error) {
		row, err := e.GetCurrentPending(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PendingResponse `json:"body"`
		}{Body: PendingResponse{Transaction: row}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/progress",
		Summary:     "Percent of materialized stages approved",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
	}) (*struct {
		Body domain.Progress `json:"body"`
	}, error) {
		p, err := e.GetProgress(ctx, input.InitiativeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Progress `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/initiatives/{initiative_id}/events",
		Summary:     "Audit events for an initiative",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InitiativeID string `path:"initiative_id"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, input.InitiativeID, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerTransactions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-transaction",
		Method:      http.MethodGet,
		Path:        "/transactions/{transaction_id}",
		Summary:     "Get one ledger row",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body domain.StageTransaction `json:"body"`
	}, error) {
		row, err := e.GetTransaction(ctx, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StageTransaction `json:"body"`
		}{Body: row}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "act-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/{transaction_id}/act",
		Summary:     "Approve or reject a pending row",
		Errors:      actErrors,
	}, func(ctx context.Context, input *struct {
		TransactionID string `path:"transaction_id"`
		Body          ActRequest `json:"body"`
	}) (*struct {
		Body ActResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		principal, authErr := principalFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		decision, ok := domain.ParseDecision(input.Body.Decision)
		if !ok {
			return nil, handleError(engine.ValidationError{Field: "decision", Message: "must be Approve or Reject"})
		}
		res, err := e.Act(ctx, engine.ActOptions{
			TransactionID:  input.TransactionID,
			Decision:       decision,
			Comment:        input.Body.Comment,
			ActorID:        principal.UserID,
			AssignedUserID: input.Body.AssignedUserID,
			Flags:          input.Body.Flags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerPending(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pending",
		Method:      http.MethodGet,
		Path:        "/pending",
		Summary:     "Pending rows for a role, or for the caller when no role is given",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Site string `query:"site"`
		Role string `query:"role"`
	}) (*struct {
		Body []domain.StageTransaction `json:"body"`
	}, error) {
		var rows []domain.StageTransaction
		var err error
		switch {
		case input.Role == "" && input.Site == "":
			principal, authErr := principalFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			rows, err = e.GetPendingForUser(ctx, principal.UserID)
		case input.Site == "":
			rows, err = e.GetPending(ctx, input.Role)
		default:
			rows, err = e.GetPendingAtSite(ctx, input.Site, input.Role)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StageTransaction `json:"body"`
		}{Body: nonNil(rows)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-for-closure",
		Method:      http.MethodGet,
		Path:        "/closure/ready",
		Summary:     "Initiatives whose closure stage is approved",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.InitiativeSummary `json:"body"`
	}, error) {
		items, err := e.GetReadyForClosure(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InitiativeSummary `json:"body"`
		}{Body: nonNil(items)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine, tokens actiontoken.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "act-with-token",
		Method:      http.MethodPost,
		Path:        "/actions/{token}",
		Summary:     "Decide a row through a single-use action link",
		Errors:      actErrors,
	}, func(ctx context.Context, input *struct {
		Token string     `path:"token"`
		Body  ActRequest `json:"body"`
	}) (*struct {
		Body ActResponse `json:"body"`
	}, error) {
		decision, ok := domain.ParseDecision(input.Body.Decision)
		if !ok {
			return nil, handleError(engine.ValidationError{Field: "decision", Message: "must be Approve or Reject"})
		}
		res, err := e.ActWithToken(ctx, tokens, engine.TokenActOptions{
			Token:          input.Token,
			Decision:       decision,
			Comment:        input.Body.Comment,
			AssignedUserID: input.Body.AssignedUserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActResponse `json:"body"`
		}{Body: res}, nil
	})
}
