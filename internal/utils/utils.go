package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
)

// MaxBodyBytes caps request bodies read by ReadFields.
const MaxBodyBytes = 16 << 10

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		slog.Error("failed to write JSON", "error", err)
	}
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"message": msg,
	})
}

// ReadFields reads the named string fields from a JSON object or a
// form-encoded body, whichever the Content-Type announces. Missing fields
// are returned as "".
func ReadFields(r *http.Request, keys ...string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		for _, k := range keys {
			out[k] = r.PostForm.Get(k)
		}
		return out, nil
	default:
		var body map[string]any
		dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
		if err := dec.Decode(&body); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("empty body")
			}
			return nil, fmt.Errorf("decode json: %w", err)
		}
		for _, k := range keys {
			switch v := body[k].(type) {
			case string:
				out[k] = v
			case nil:
				out[k] = ""
			default:
				out[k] = fmt.Sprint(v)
			}
		}
		return out, nil
	}
}
