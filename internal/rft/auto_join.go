package rft

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/raft"

	"github.com/transitlabs/sirihub/config"
)

const autoJoinRetryInterval = 10 * time.Second

// attemptAutoJoin loops until this node is part of the raft configuration or
// the context is cancelled. Non-default-leader nodes run it in the background
// on first launch.
func attemptAutoJoin(
	ctx context.Context,
	logger *slog.Logger,
	currentNodeID string,
	cluster *config.Cluster,
	raftInstance *raft.Raft,
	myRaftAddr string,
) error {
	leaderNodeID := cluster.DefaultLeader
	if currentNodeID == leaderNodeID {
		return nil
	}

	leaderNodeCfg, ok := cluster.Nodes[leaderNodeID]
	if !ok {
		return fmt.Errorf("default leader node '%s' configuration not found in cluster config", leaderNodeID)
	}

	scheme := "http"
	if cluster.TLS.Cert != "" && cluster.TLS.Key != "" {
		scheme = "https"
	}
	joinURL := fmt.Sprintf("%s://%s/v1/cluster/join?followerId=%s&followerAddr=%s",
		scheme, leaderNodeCfg.HTTPBinding, currentNodeID, myRaftAddr)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if scheme == "https" {
		tlsConfig := &tls.Config{}
		if cluster.ClientSkipVerify {
			tlsConfig.InsecureSkipVerify = true
		} else if cluster.TLS.Cert != "" {
			caCertPool := x509.NewCertPool()
			caCertBytes, err := os.ReadFile(cluster.TLS.Cert)
			if err != nil {
				logger.Warn("failed to read TLS cert for auto-join CA, proceeding without custom CA",
					"path", cluster.TLS.Cert, "error", err)
			} else if caCertPool.AppendCertsFromPEM(caCertBytes) {
				tlsConfig.RootCAs = caCertPool
			}
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	hasher := sha256.New()
	hasher.Write([]byte(cluster.InstanceSecret))
	authToken := hex.EncodeToString(hasher.Sum(nil))

	for {
		// Already joined?
		cfgFuture := raftInstance.GetConfiguration()
		if err := cfgFuture.Error(); err == nil {
			for _, srv := range cfgFuture.Configuration().Servers {
				if srv.ID == raft.ServerID(currentNodeID) {
					logger.Info("node already part of the raft configuration", "node_id", currentNodeID)
					return nil
				}
			}
		}

		logger.Info("attempting to join leader", "url", joinURL)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create join request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+authToken)

		resp, err := httpClient.Do(req)
		if err == nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				logger.Info("join request accepted by leader", "node_id", currentNodeID)
				// Loop once more to confirm membership before returning.
			} else {
				logger.Warn("join request rejected",
					"status", resp.StatusCode, "body", strings.TrimSpace(string(body)))
			}
		} else {
			logger.Warn("join request failed", "error", err)
		}

		select {
		case <-time.After(autoJoinRetryInterval):
		case <-ctx.Done():
			logger.Info("auto-join cancelled", "node_id", currentNodeID)
			return ctx.Err()
		}
	}
}
