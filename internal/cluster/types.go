package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Query parameters that mark a request as forwarded traffic.
const (
	// ParamDistribFrom carries the base URL of the node that forwarded the update.
	ParamDistribFrom = "distrib.from"
	// ParamDistribUpdate carries the DistribPhase of the update.
	ParamDistribUpdate = "update.distrib"
)

// DistribPhase tells a receiving replica where an update came from.
type DistribPhase string

const (
	// PhaseNone is a client-originated update that has not been distributed.
	PhaseNone DistribPhase = "NONE"
	// PhaseToLeader is an update forwarded to a shard leader.
	PhaseToLeader DistribPhase = "TOLEADER"
	// PhaseFromLeader is an update the leader forwards to its replicas.
	PhaseFromLeader DistribPhase = "FROMLEADER"
)

// ParsePhase maps a query value to a DistribPhase. Unknown or empty values
// are treated as PhaseNone.
func ParsePhase(v string) DistribPhase {
	switch DistribPhase(strings.ToUpper(v)) {
	case PhaseToLeader:
		return PhaseToLeader
	case PhaseFromLeader:
		return PhaseFromLeader
	default:
		return PhaseNone
	}
}

type NodeInfo struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// ShardURL returns the base URL of a shard replica hosted at addr.
func ShardURL(addr string, shardID int) string {
	return fmt.Sprintf("%s/shard/%d", strings.TrimRight(addr, "/"), shardID)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
