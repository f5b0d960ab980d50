package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/transitlabs/sirihub/internal/keyed"
	"github.com/transitlabs/sirihub/models"
)

// redirectToLeader points write traffic at the raft leader. The client
// follows the Location header and retries there.
func (s *Service) redirectToLeader(w http.ResponseWriter, r *http.Request) {
	leaderAddress, err := s.replicated.LeaderHTTPAddress()
	if err != nil {
		s.logger.Error("failed to resolve leader address for redirect", "path", r.URL.Path, "error", err)
		http.Error(w, "failed to determine cluster leader: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	scheme := "https"
	if s.cfg.Cluster.TLS.Cert == "" {
		scheme = "http"
	}
	redirectURL := scheme + "://" + leaderAddress + r.URL.Path
	if r.URL.RawQuery != "" {
		redirectURL += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// needsLeader routes the request to the leader when this node is a
// follower. Returns true if the caller should stop handling.
func (s *Service) needsLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.replicated == nil || s.replicated.IsLeader() {
		return false
	}
	s.redirectToLeader(w, r)
	return true
}

// ingestHandler accepts one merge batch for a (category, dataset) pair. The
// body is a JSON array of the category's payload objects; an empty array is
// a pure upstream heartbeat and only touches subscription liveness.
func (s *Service) ingestHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.needsLeader(w, r) {
		return
	}

	category, err := models.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		http.Error(w, "Missing dataset parameter", http.StatusBadRequest)
		return
	}
	st, ok := s.stores[category]
	if !ok {
		http.Error(w, "Category not served by this hub", http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error("could not read ingest body", "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var objects []models.DomainObject
	if len(bodyBytes) > 0 {
		objects, err = models.DecodeDomainObjects(category, bodyBytes)
		if err != nil {
			s.logger.Error("invalid ingest payload", "category", string(category), "dataset", dataset, "error", err)
			http.Error(w, "Invalid payload: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	result, err := st.Merge(dataset, objects)
	if err != nil {
		s.logger.Error("merge failed", "category", string(category), "dataset", dataset, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// Any accepted batch counts as upstream liveness; an empty one is a
	// heartbeat only.
	if err := s.registry.TouchDataset(dataset, category, len(objects) == 0); err != nil {
		s.logger.Error("liveness touch failed", "dataset", dataset, "error", err)
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Service) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	category, err := models.ParseCategory(r.URL.Query().Get("category"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// A dataset with no data yields an empty snapshot; a dataset no inbound
	// subscription has ever announced is an explicit error.
	dataset := r.URL.Query().Get("dataset")
	if dataset != "" {
		known, err := s.knownDataset(dataset)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if !known {
			http.Error(w, "Unknown dataset: "+dataset, http.StatusNotFound)
			return
		}
	}

	filter := models.SubscriptionFilter{
		LineRefs: r.URL.Query()["lineRef"],
		StopRefs: r.URL.Query()["stopRef"],
	}

	snapshot, err := s.engine.Snapshot(category, dataset, filter)
	if err != nil {
		var unavailable *keyed.ErrUnavailable
		if errors.As(err, &unavailable) {
			s.logger.Error("snapshot read failed", "category", string(category), "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Service) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.needsLeader(w, r) {
		return
	}

	defer r.Body.Close()
	var req models.SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.engine.Subscribe(req)
	if err != nil {
		s.logger.Error("subscribe failed", "id", req.SubscriptionID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// A refused slot is a negotiated outcome, not a transport error.
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Service) terminateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.needsLeader(w, r) {
		return
	}

	defer r.Body.Close()
	var req models.TerminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.SubscriptionID == "" {
		http.Error(w, "Missing subscriptionId", http.StatusBadRequest)
		return
	}

	resp, err := s.engine.Terminate(req)
	if err != nil {
		s.logger.Error("terminate failed", "id", req.SubscriptionID, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type outboundView struct {
	models.OutboundSubscription
	FailCount int `json:"failCount"`
}

type subscriptionsView struct {
	Inbound  []models.InboundSubscription `json:"inbound"`
	Outbound []outboundView               `json:"outbound"`
}

func (s *Service) subscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	inbound, err := s.registry.List()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	outbound, err := s.engine.List()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	view := subscriptionsView{Inbound: inbound}
	for _, sub := range outbound {
		view.Outbound = append(view.Outbound, outboundView{
			OutboundSubscription: sub,
			FailCount:            s.engine.FailCount(sub),
		})
	}
	s.writeJSON(w, http.StatusOK, view)
}

type categoryStatus struct {
	Category models.Category `json:"category"`
	Entries  int             `json:"entries"`
}

type statusView struct {
	Node          string                      `json:"node"`
	Status        string                      `json:"status"`
	Uptime        string                      `json:"uptime"`
	Leader        bool                        `json:"leader,omitempty"`
	Categories    []categoryStatus            `json:"categories"`
	Subscriptions []models.SubscriptionHealth `json:"subscriptions"`
}

// statusHandler is unauthenticated on purpose: it backs liveness probes and
// the operator CLI.
func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	view := statusView{
		Node:          s.cfg.NodeID,
		Status:        "ok",
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
		Subscriptions: s.health.Snapshot(),
	}
	if s.replicated != nil {
		view.Leader = s.replicated.IsLeader()
	}
	if s.health.AnyFailing() {
		view.Status = "degraded"
	}

	for category, st := range s.stores {
		n, err := st.Size("")
		if err != nil {
			s.logger.Error("store size read failed", "category", string(category), "error", err)
			continue
		}
		view.Categories = append(view.Categories, categoryStatus{Category: category, Entries: n})
	}
	sort.Slice(view.Categories, func(i, j int) bool {
		return view.Categories[i].Category < view.Categories[j].Category
	})

	s.writeJSON(w, http.StatusOK, view)
}

// knownDataset reports whether any inbound subscription announces the
// dataset.
func (s *Service) knownDataset(dataset string) (bool, error) {
	subs, err := s.registry.List()
	if err != nil {
		return false, err
	}
	for _, sub := range subs {
		if sub.Dataset == dataset {
			return true, nil
		}
	}
	return false, nil
}

// datasetsHandler lists the datasets known to this hub via its inbound
// subscriptions.
func (s *Service) datasetsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	subs, err := s.registry.List()
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	seen := make(map[string]bool)
	datasets := []string{}
	for _, sub := range subs {
		if sub.Dataset == "" || seen[sub.Dataset] {
			continue
		}
		seen[sub.Dataset] = true
		datasets = append(datasets, sub.Dataset)
	}
	sort.Strings(datasets)
	s.writeJSON(w, http.StatusOK, datasets)
}

func (s *Service) joinHandler(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) || s.authToken == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.replicated == nil {
		http.Error(w, "Clustering is not enabled on this node", http.StatusServiceUnavailable)
		return
	}
	if s.needsLeader(w, r) {
		return
	}

	followerId := r.URL.Query().Get("followerId")
	followerAddr := r.URL.Query().Get("followerAddr")
	if followerId == "" || followerAddr == "" {
		http.Error(w, "Missing followerId or followerAddr parameters", http.StatusBadRequest)
		return
	}

	if err := s.replicated.Join(followerId, followerAddr); err != nil {
		s.logger.Error("failed to join follower", "followerId", followerId, "followerAddr", followerAddr, "error", err)
		var notLeader *keyed.ErrNotLeader
		if errors.As(err, &notLeader) {
			s.redirectToLeader(w, r)
			return
		}
		http.Error(w, "Failed to join cluster: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
