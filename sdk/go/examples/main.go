package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenLaunch/sdk/go/openlaunch"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "session-demo"})
	})
	mux.HandleFunc("/api/v1/sessions/session-demo/query", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openlaunch.Outcome{
			Query: "=2*21",
			Route: "trigger",
			Items: []openlaunch.Item{{HandlerID: "calc", Result: openlaunch.Result{ID: "result", Text: "42", Actions: []string{"copy"}}}},
		})
	})
	mux.HandleFunc("/api/v1/activations", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(openlaunch.ActivationRecord{Ordinal: 1, At: time.Now().UTC()})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openlaunch.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := client.NewSession(ctx)
	if err != nil {
		panic(err)
	}
	out, err := client.SessionQuery(ctx, session, "=2*21")
	if err != nil {
		panic(err)
	}
	for _, item := range out.Items {
		fmt.Printf("%s: %s\n", item.HandlerID, item.Result.Text)
	}

	top := out.Items[0]
	rec, err := client.Activate(ctx, openlaunch.Activation{HandlerID: top.HandlerID, ItemID: top.Result.ID, Query: out.Query, Action: "copy"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("activation #%d recorded\n", rec.Ordinal)
}
