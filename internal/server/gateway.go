package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxBodyBytes = 1 << 20

var errorMarshaler = &runtime.JSONPb{}

// bodyRoute passes the request body through unchanged; writes accept the
// same documents as the JetStream subjects.
func bodyRoute[Resp any](mux *runtime.ServeMux, call func(context.Context, *json.RawMessage) (Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			runtime.HTTPError(r.Context(), mux, errorMarshaler, w, r, status.Errorf(codes.InvalidArgument, "read body: %v", err))
			return
		}
		raw := json.RawMessage(body)
		resp, err := call(r.Context(), &raw)
		writeResponse(mux, w, r, resp, err)
	}
}

func route[Req any, Resp any](
	mux *runtime.ServeMux,
	call func(context.Context, *Req) (Resp, error),
	params func(*http.Request, map[string]string) (*Req, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		req, err := params(r, pathParams)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, errorMarshaler, w, r, err)
			return
		}
		resp, err := call(r.Context(), req)
		writeResponse(mux, w, r, resp, err)
	}
}

func writeResponse(mux *runtime.ServeMux, w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err != nil {
		runtime.HTTPError(r.Context(), mux, errorMarshaler, w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func marketParams(_ *http.Request, p map[string]string) (*MarketRequest, error) {
	return &MarketRequest{MarketID: p["market_id"]}, nil
}

func accountParams(r *http.Request, p map[string]string) (*AccountRequest, error) {
	req := &AccountRequest{Account: p["account"], MarketID: p["market_id"]}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit %q", v)
		}
		req.Limit = n
	}
	if v := q.Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before_sequence %q", v)
		}
		req.BeforeSequence = n
	}
	return req, nil
}
