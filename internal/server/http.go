package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// route adapts a service method to a gateway handler. bind fills the
// request from the URL after the body is decoded, so path and query
// parameters win.
func route[Req any, Resp any](
	call func(context.Context, *Req) (*Resp, error),
	bind func(r *http.Request, params map[string]string, req *Req) error,
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if r.Body != nil && r.Method != http.MethodGet {
			if err := json.NewDecoder(r.Body).Decode(req); err != nil && !errors.Is(err, io.EOF) {
				writeError(w, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
				return
			}
		}
		if bind != nil {
			if err := bind(r, params, req); err != nil {
				writeError(w, status.Error(codes.InvalidArgument, err.Error()))
				return
			}
		}
		resp, err := call(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	err = toStatus(err)
	writeJSON(w, httpStatus(status.Code(err)), errorBody(err))
}

func pathID(params map[string]string) (uint32, error) {
	raw, ok := params["id"]
	if !ok {
		return 0, errors.New("missing bootstrap id")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid bootstrap id %q", raw)
	}
	return uint32(id), nil
}

func queryInt(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return &v, nil
}

// HTTPHandler returns the full HTTP surface: contract calls, the read
// model, admin operations and the health probes.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	b, a := s.bootstrapper, s.admin

	bindID := func(_ *http.Request, p map[string]string, id *uint32) error {
		v, err := pathID(p)
		*id = v
		return err
	}

	routes := []struct {
		method, path string
		h            runtime.HandlerFunc
	}{
		// Contract calls
		{"POST", "/v1/initialize", route(b.Initialize, nil)},
		{"POST", "/v1/bootstraps", route(b.Bootstrap, nil)},
		{"POST", "/v1/bootstraps/{id}/join", route(b.Join, func(r *http.Request, p map[string]string, req *AmountRequest) error {
			return bindID(r, p, &req.ID)
		})},
		{"POST", "/v1/bootstraps/{id}/exit", route(b.Exit, func(r *http.Request, p map[string]string, req *AmountRequest) error {
			return bindID(r, p, &req.ID)
		})},
		{"POST", "/v1/bootstraps/{id}/close", route(b.Close, func(r *http.Request, p map[string]string, req *CloseRequest) error {
			return bindID(r, p, &req.ID)
		})},
		{"POST", "/v1/bootstraps/{id}/claim", route(b.Claim, func(r *http.Request, p map[string]string, req *SettleRequest) error {
			return bindID(r, p, &req.ID)
		})},
		{"POST", "/v1/bootstraps/{id}/refund", route(b.Refund, func(r *http.Request, p map[string]string, req *SettleRequest) error {
			return bindID(r, p, &req.ID)
		})},

		// Live contract views
		{"GET", "/v1/bootstraps/{id}", route(b.GetBootstrap, func(r *http.Request, p map[string]string, req *GetBootstrapRequest) error {
			return bindID(r, p, &req.ID)
		})},
		{"GET", "/v1/bootstraps/{id}/deposits/{address}", route(b.GetDeposit, func(r *http.Request, p map[string]string, req *GetDepositRequest) error {
			req.Address = p["address"]
			return bindID(r, p, &req.ID)
		})},
		{"GET", "/v1/next_id", route(b.GetNextID, nil)},

		// Admin
		{"POST", "/v1/admin/snapshot", route(a.TakeSnapshot, nil)},
		{"POST", "/v1/admin/rebuild_projections", route(a.RebuildProjections, nil)},
		{"GET", "/v1/admin/event_log", route(a.GetEventLogInfo, nil)},
		{"GET", "/v1/admin/integrity", route(a.VerifyIntegrity, nil)},
	}

	if q := s.query; q != nil {
		routes = append(routes, []struct {
			method, path string
			h            runtime.HandlerFunc
		}{
			{"GET", "/v1/query/bootstraps", route(q.ListBootstraps, func(r *http.Request, _ map[string]string, req *ListBootstrapsRequest) error {
				req.Status = r.URL.Query().Get("status")
				after, err := queryInt(r, "after_id")
				if err != nil {
					return err
				}
				if after != nil {
					id := uint32(*after)
					req.AfterID = &id
				}
				limit, err := queryInt(r, "limit")
				if limit != nil {
					req.Limit = int(*limit)
				}
				return err
			})},
			{"GET", "/v1/query/bootstraps/{id}", route(q.GetBootstrap, func(r *http.Request, p map[string]string, req *QueryBootstrapRequest) error {
				return bindID(r, p, &req.ID)
			})},
			{"GET", "/v1/query/bootstraps/{id}/deposits/{address}", route(q.GetDeposit, func(r *http.Request, p map[string]string, req *QueryDepositRequest) error {
				req.Address = p["address"]
				return bindID(r, p, &req.ID)
			})},
			{"GET", "/v1/query/bootstraps/{id}/history", route(q.GetHistory, func(r *http.Request, p map[string]string, req *HistoryRequest) error {
				if err := bindID(r, p, &req.ID); err != nil {
					return err
				}
				limit, err := queryInt(r, "limit")
				if err != nil {
					return err
				}
				if limit != nil {
					req.Limit = int(*limit)
				}
				req.BeforeSequence, err = queryInt(r, "before_sequence")
				return err
			})},
			{"GET", "/v1/query/next_id", route(q.GetNextID, nil)},
			{"GET", "/v1/query/journal/{sequence}", route(q.GetJournal, func(_ *http.Request, p map[string]string, req *JournalRequest) error {
				seq, err := strconv.ParseInt(p["sequence"], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid sequence %q", p["sequence"])
				}
				req.Sequence = seq
				return nil
			})},
		}...)
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}

	// Health endpoints
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}
