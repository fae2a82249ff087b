package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/dao-reconciler/internal/config"
	"github.com/smartdevs17/dao-reconciler/internal/metrics"
	"github.com/smartdevs17/dao-reconciler/internal/models"
	"github.com/smartdevs17/dao-reconciler/pkg/utils"
)

// Client reads governance state from the indexer HTTP API
type Client struct {
	http    *resty.Client
	metrics *metrics.Manager
	logger  *logrus.Entry
}

// NewClient creates an indexer client
func NewClient(cfg *config.IndexerConfig, metricsManager *metrics.Manager) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(cfg.RetryWaitTime).
		SetRetryMaxWaitTime(4 * cfg.RetryWaitTime).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:    httpClient,
		metrics: metricsManager,
		logger:  utils.ComponentLogger("indexer"),
	}
}

// GetUpdateTime returns the indexer's last update time in milliseconds
func (c *Client) GetUpdateTime(ctx context.Context) (int64, error) {
	raw, err := c.get(ctx, "updateTime", "/updateTime")
	if err != nil {
		return 0, err
	}
	value, err := decodeNumber(raw, "updateTime")
	if err != nil {
		return 0, err
	}
	return int64(value), nil
}

// GetOrganizations lists every organization the indexer knows
func (c *Client) GetOrganizations(ctx context.Context) ([]*models.Organization, error) {
	raw, err := c.get(ctx, "daos", "/daos")
	if err != nil {
		return nil, err
	}
	var orgs []*models.Organization
	if err := json.Unmarshal(raw, &orgs); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeIndexerUnavailable, "Failed to decode organizations", err)
	}
	for _, org := range orgs {
		normalizeOrganization(org)
	}
	return orgs, nil
}

// GetOrganization returns the indexer's copy of one organization
func (c *Client) GetOrganization(ctx context.Context, address string) (*models.Organization, error) {
	raw, err := c.get(ctx, "dao", "/dao/"+utils.NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	var org models.Organization
	if err := json.Unmarshal(raw, &org); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeIndexerUnavailable, "Failed to decode organization", err)
	}
	if org.Address == "" {
		org.Address = address
	}
	normalizeOrganization(&org)
	return &org, nil
}

// GetProposal returns the indexer's copy of one proposal
func (c *Client) GetProposal(ctx context.Context, address string) (*models.Proposal, error) {
	raw, err := c.get(ctx, "proposal", "/proposal/"+utils.NormalizeAddress(address))
	if err != nil {
		return nil, err
	}
	var proposal models.Proposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeIndexerUnavailable, "Failed to decode proposal", err)
	}
	proposal.Address = utils.NormalizeAddress(address)
	if proposal.DaoAddress != "" {
		proposal.DaoAddress = utils.NormalizeAddress(proposal.DaoAddress)
	}
	proposal.Source = models.SourceIndexer
	return &proposal, nil
}

// GetLogicalTimeWatermark returns the newest logical time the indexer has
// processed for a proposal
func (c *Client) GetLogicalTimeWatermark(ctx context.Context, address string) (models.LogicalTime, error) {
	raw, err := c.get(ctx, "maxLt", "/maxLt/"+utils.NormalizeAddress(address))
	if err != nil {
		return 0, err
	}
	value, err := decodeNumber(raw, "maxLt")
	if err != nil {
		return 0, err
	}
	return models.LogicalTime(value), nil
}

func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		Get(path)

	status := "success"
	defer func() {
		if c.metrics != nil {
			c.metrics.GetPrometheusMetrics().RecordIndexerRequest(endpoint, status, time.Since(start))
		}
	}()

	if err != nil {
		status = "error"
		c.logger.WithError(err).WithField("path", path).Debug("Indexer request failed")
		return nil, utils.WrapAppError(utils.ErrCodeIndexerUnavailable, "Indexer request failed", err)
	}
	if resp.IsError() || resp.StatusCode() >= http.StatusMultipleChoices {
		status = strconv.Itoa(resp.StatusCode())
		return nil, utils.NewAppError(utils.ErrCodeIndexerUnavailable,
			fmt.Sprintf("Indexer returned %d for %s", resp.StatusCode(), path), resp.String())
	}
	return resp.Body(), nil
}

// decodeNumber accepts a bare number, a quoted number, or an object with
// a single field named key.
func decodeNumber(raw []byte, key string) (uint64, error) {
	var payload interface{}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return 0, utils.WrapAppError(utils.ErrCodeIndexerUnavailable, "Failed to decode "+key, err)
	}

	if obj, ok := payload.(map[string]interface{}); ok {
		payload = obj[key]
	}

	var text string
	switch v := payload.(type) {
	case json.Number:
		text = v.String()
	case string:
		text = v
	default:
		return 0, utils.NewAppError(utils.ErrCodeIndexerUnavailable, "Unexpected "+key+" payload", string(raw))
	}

	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, utils.WrapAppError(utils.ErrCodeIndexerUnavailable, "Invalid "+key+" value", err)
	}
	return value, nil
}

func normalizeOrganization(org *models.Organization) {
	org.Address = utils.NormalizeAddress(org.Address)
	org.Proposals = utils.NormalizeAddresses(org.Proposals)
	org.Source = models.SourceIndexer
}
