package gql

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/model"
)

// Typed wrappers around the persisted GQL operations. Every request and
// response shape used by the services is named here; raw maps never
// leave this file.

// StreamInfo is the result of a stream-info probe for one channel.
type StreamInfo struct {
	Live         bool
	BroadcastID  string
	Title        string
	ViewersCount int
	Game         model.Game
}

type streamInfoResponse struct {
	User *struct {
		ID          string `json:"id"`
		Login       string `json:"login"`
		DisplayName string `json:"displayName"`
		Stream      *struct {
			ID           string `json:"id"`
			ViewersCount int    `json:"viewersCount"`
			Game         *struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				Slug        string `json:"slug"`
			} `json:"game"`
		} `json:"stream"`
		BroadcastSettings *struct {
			Title string `json:"title"`
		} `json:"broadcastSettings"`
	} `json:"user"`
}

// GetStreamInfo fetches the live state of a channel. Returns a
// StreamInfo with Live=false when the channel is offline.
func (c *Client) GetStreamInfo(ctx context.Context, login string) (*StreamInfo, error) {
	data, err := c.PostGQL(ctx, constants.GQLStreamInfo, map[string]any{
		"channel": login,
	})
	if err != nil {
		return nil, err
	}

	var resp streamInfoResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing stream info for %s: %w", login, err)
	}
	if resp.User == nil {
		return nil, fmt.Errorf("channel %s not found", login)
	}

	info := &StreamInfo{}
	if resp.User.Stream != nil {
		info.Live = true
		info.BroadcastID = resp.User.Stream.ID
		info.ViewersCount = resp.User.Stream.ViewersCount
		if g := resp.User.Stream.Game; g != nil {
			info.Game = model.Game{
				ID:          g.ID,
				Name:        g.Name,
				DisplayName: g.DisplayName,
				Slug:        g.Slug,
			}
		}
	}
	if resp.User.BroadcastSettings != nil {
		info.Title = resp.User.BroadcastSettings.Title
	}
	return info, nil
}

// GetChannelID resolves a login name to its channel ID.
func (c *Client) GetChannelID(ctx context.Context, login string) (string, error) {
	data, err := c.PostGQL(ctx, constants.GQLGetIDFromLogin, map[string]any{
		"login": login,
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		User *struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("parsing channel ID for %s: %w", login, err)
	}
	if resp.User == nil || resp.User.ID == "" {
		return "", fmt.Errorf("channel %s not found", login)
	}
	return resp.User.ID, nil
}

// AvailableDropCampaigns lists the campaign IDs with drops currently
// available on a channel; a non-empty list validates the drops badge.
func (c *Client) AvailableDropCampaigns(ctx context.Context, channelID string) ([]string, error) {
	data, err := c.PostGQL(ctx, constants.GQLAvailableDrops, map[string]any{
		"channelID": channelID,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Channel *struct {
			ViewerDropCampaigns []struct {
				ID string `json:"id"`
			} `json:"viewerDropCampaigns"`
		} `json:"channel"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing available drops for channel %s: %w", channelID, err)
	}

	var ids []string
	if resp.Channel != nil {
		for _, campaign := range resp.Channel.ViewerDropCampaigns {
			ids = append(ids, campaign.ID)
		}
	}
	return ids, nil
}

// DirectoryStream is one live channel row from the game directory.
type DirectoryStream struct {
	ChannelID    string
	Login        string
	DisplayName  string
	ViewersCount int
	Game         model.Game
}

// DirectoryPage is one page of a paginated directory query.
type DirectoryPage struct {
	GameID      string
	Streams     []DirectoryStream
	Cursor      string
	HasNextPage bool
}

// GetDirectoryStreams queries the game directory for live channels with
// drops enabled, one page at a time.
func (c *Client) GetDirectoryStreams(ctx context.Context, slug, cursor string, first int) (*DirectoryPage, error) {
	if first <= 0 || first > 100 {
		first = 30
	}

	variables := map[string]any{
		"slug":  slug,
		"first": first,
		"options": map[string]any{
			"systemFilters": []string{"DROPS_ENABLED"},
		},
	}
	if cursor != "" {
		variables["after"] = cursor
	}

	data, err := c.PostGQL(ctx, constants.GQLDirectoryPageGame, variables)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Game *struct {
			ID      string `json:"id"`
			Streams *struct {
				Edges []struct {
					Node struct {
						ID          string `json:"id"`
						Broadcaster *struct {
							ID          string `json:"id"`
							Login       string `json:"login"`
							DisplayName string `json:"displayName"`
						} `json:"broadcaster"`
						ViewersCount int `json:"viewersCount"`
						Game         *struct {
							ID          string `json:"id"`
							Name        string `json:"name"`
							DisplayName string `json:"displayName"`
							Slug        string `json:"slug"`
						} `json:"game"`
					} `json:"node"`
					Cursor string `json:"cursor"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
			} `json:"streams"`
		} `json:"game"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing directory page for %s: %w", slug, err)
	}

	page := &DirectoryPage{}
	if resp.Game == nil || resp.Game.Streams == nil {
		return page, nil
	}
	page.GameID = resp.Game.ID

	for _, edge := range resp.Game.Streams.Edges {
		if edge.Node.Broadcaster == nil {
			continue
		}
		stream := DirectoryStream{
			ChannelID:    edge.Node.Broadcaster.ID,
			Login:        edge.Node.Broadcaster.Login,
			DisplayName:  edge.Node.Broadcaster.DisplayName,
			ViewersCount: edge.Node.ViewersCount,
		}
		if g := edge.Node.Game; g != nil {
			stream.Game = model.Game{ID: g.ID, Name: g.Name, DisplayName: g.DisplayName, Slug: g.Slug}
		}
		page.Streams = append(page.Streams, stream)
		page.Cursor = edge.Cursor
	}
	page.HasNextPage = resp.Game.Streams.PageInfo.HasNextPage

	return page, nil
}

// InventoryDrop is the per-drop progress slice of the inventory response.
type InventoryDrop struct {
	ID                    string
	Name                  string
	RequiredMinutes       int
	CurrentMinutesWatched int
	DropInstanceID        string
	IsClaimed             bool
	HasPreconditionsMet   bool
}

// InventoryCampaign is one in-progress campaign from the inventory.
type InventoryCampaign struct {
	ID    string
	Drops []InventoryDrop
}

type inventoryResponse struct {
	CurrentUser *struct {
		Inventory *struct {
			DropCampaignsInProgress []struct {
				ID             string `json:"id"`
				TimeBasedDrops []struct {
					ID              string `json:"id"`
					Name            string `json:"name"`
					RequiredMinutes int    `json:"requiredMinutesWatched"`
					Self            *struct {
						HasPreconditionsMet   bool   `json:"hasPreconditionsMet"`
						CurrentMinutesWatched int    `json:"currentMinutesWatched"`
						DropInstanceID        string `json:"dropInstanceID"`
						IsClaimed             bool   `json:"isClaimed"`
					} `json:"self"`
				} `json:"timeBasedDrops"`
			} `json:"dropCampaignsInProgress"`
		} `json:"inventory"`
	} `json:"currentUser"`
}

func parseInventory(data json.RawMessage) ([]InventoryCampaign, error) {
	var resp inventoryResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing inventory: %w", err)
	}

	if resp.CurrentUser == nil || resp.CurrentUser.Inventory == nil {
		return nil, nil
	}

	var campaigns []InventoryCampaign
	for _, raw := range resp.CurrentUser.Inventory.DropCampaignsInProgress {
		campaign := InventoryCampaign{ID: raw.ID}
		for _, drop := range raw.TimeBasedDrops {
			d := InventoryDrop{
				ID:              drop.ID,
				Name:            drop.Name,
				RequiredMinutes: drop.RequiredMinutes,
			}
			if drop.Self != nil {
				d.CurrentMinutesWatched = drop.Self.CurrentMinutesWatched
				d.DropInstanceID = drop.Self.DropInstanceID
				d.IsClaimed = drop.Self.IsClaimed
				d.HasPreconditionsMet = drop.Self.HasPreconditionsMet
			}
			campaign.Drops = append(campaign.Drops, d)
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, nil
}

// DashboardCampaign is one available/upcoming campaign from the drops
// dashboard.
type DashboardCampaign struct {
	ID       string
	Name     string
	Status   string
	StartAt  time.Time
	EndAt    time.Time
	LinkURL  string
	Linked   bool
	Game     model.Game
	ImageURL string
}

type dashboardResponse struct {
	CurrentUser *struct {
		DropCampaigns []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			Status        string `json:"status"`
			StartAt       string `json:"startAt"`
			EndAt         string `json:"endAt"`
			DetailsURL    string `json:"detailsURL"`
			ImageURL      string `json:"imageURL"`
			AccountLinkURL string `json:"accountLinkURL"`
			Self          *struct {
				IsAccountConnected bool `json:"isAccountConnected"`
			} `json:"self"`
			Game *struct {
				ID          string `json:"id"`
				Name        string `json:"name"`
				DisplayName string `json:"displayName"`
				Slug        string `json:"slug"`
				BoxArtURL   string `json:"boxArtURL"`
			} `json:"game"`
		} `json:"dropCampaigns"`
	} `json:"currentUser"`
}

func parseDashboard(data json.RawMessage) ([]DashboardCampaign, error) {
	var resp dashboardResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing drops dashboard: %w", err)
	}
	if resp.CurrentUser == nil {
		return nil, nil
	}

	var campaigns []DashboardCampaign
	for _, raw := range resp.CurrentUser.DropCampaigns {
		startAt, _ := time.Parse(time.RFC3339, raw.StartAt)
		endAt, _ := time.Parse(time.RFC3339, raw.EndAt)

		campaign := DashboardCampaign{
			ID:       raw.ID,
			Name:     raw.Name,
			Status:   raw.Status,
			StartAt:  startAt,
			EndAt:    endAt,
			LinkURL:  raw.DetailsURL,
			ImageURL: raw.ImageURL,
		}
		if raw.AccountLinkURL != "" && campaign.LinkURL == "" {
			campaign.LinkURL = raw.AccountLinkURL
		}
		if raw.Self != nil {
			campaign.Linked = raw.Self.IsAccountConnected
		}
		if g := raw.Game; g != nil {
			campaign.Game = model.Game{
				ID:          g.ID,
				Name:        g.Name,
				DisplayName: g.DisplayName,
				Slug:        g.Slug,
				BoxArtURL:   g.BoxArtURL,
			}
		}
		campaigns = append(campaigns, campaign)
	}
	return campaigns, nil
}

// InventorySnapshot bundles the in-progress campaigns and the dashboard
// listing fetched in a single batched call.
type InventorySnapshot struct {
	InProgress []InventoryCampaign
	Dashboard  []DashboardCampaign
}

// FetchInventorySnapshot issues the inventory and dashboard operations
// as one batched POST and matches the sub-results back by index.
func (c *Client) FetchInventorySnapshot(ctx context.Context) (*InventorySnapshot, error) {
	results, err := c.PostGQLBatch(ctx,
		[]constants.GQLOperation{constants.GQLInventory, constants.GQLViewerDropsDashboard},
		[]map[string]any{
			{"fetchRewardCampaigns": false},
			{"fetchRewardCampaigns": false},
		})
	if err != nil {
		return nil, err
	}

	inProgress, err := parseInventory(results[0])
	if err != nil {
		return nil, err
	}
	dashboard, err := parseDashboard(results[1])
	if err != nil {
		return nil, err
	}

	return &InventorySnapshot{InProgress: inProgress, Dashboard: dashboard}, nil
}

// AllowedChannel is one allow-listed channel of an ACL-based campaign.
type AllowedChannel struct {
	ID    string
	Login string
}

// CampaignDetail is the full description of one campaign.
type CampaignDetail struct {
	ID            string
	Name          string
	AllowChannels []AllowedChannel
	Drops         []CampaignDetailDrop
}

// CampaignDetailDrop describes one drop within a campaign detail,
// including its precondition chain and benefits.
type CampaignDetailDrop struct {
	ID              string
	Name            string
	RequiredMinutes int
	PreconditionIDs []string
	Benefits        []model.Benefit
}

type campaignDetailResponse struct {
	User *struct {
		DropCampaign *struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Allow *struct {
				Channels []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"channels"`
			} `json:"allow"`
			TimeBasedDrops []struct {
				ID                string `json:"id"`
				Name              string `json:"name"`
				RequiredMinutes   int    `json:"requiredMinutesWatched"`
				PreconditionDrops []struct {
					ID string `json:"id"`
				} `json:"preconditionDrops"`
				BenefitEdges []struct {
					Benefit struct {
						ID               string `json:"id"`
						Name             string `json:"name"`
						ImageAssetURL    string `json:"imageAssetURL"`
						DistributionType string `json:"distributionType"`
					} `json:"benefit"`
				} `json:"benefitEdges"`
			} `json:"timeBasedDrops"`
		} `json:"dropCampaign"`
	} `json:"user"`
}

// FetchCampaignDetails fetches full details for the given campaign IDs,
// batching up to MaxGQLBatch operations per POST.
func (c *Client) FetchCampaignDetails(ctx context.Context, userID string, campaignIDs []string) ([]CampaignDetail, error) {
	var details []CampaignDetail

	for start := 0; start < len(campaignIDs); start += constants.MaxGQLBatch {
		end := start + constants.MaxGQLBatch
		if end > len(campaignIDs) {
			end = len(campaignIDs)
		}
		chunk := campaignIDs[start:end]

		ops := make([]constants.GQLOperation, len(chunk))
		vars := make([]map[string]any, len(chunk))
		for i, id := range chunk {
			ops[i] = constants.GQLDropCampaignDetails
			vars[i] = map[string]any{
				"dropID":   id,
				"channelLogin": userID,
			}
		}

		results, err := c.PostGQLBatch(ctx, ops, vars)
		if err != nil {
			return nil, err
		}

		for i, raw := range results {
			var resp campaignDetailResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				return nil, fmt.Errorf("parsing campaign details for %s: %w", chunk[i], err)
			}
			if resp.User == nil || resp.User.DropCampaign == nil {
				continue
			}

			dc := resp.User.DropCampaign
			detail := CampaignDetail{ID: dc.ID, Name: dc.Name}
			if dc.Allow != nil {
				for _, ch := range dc.Allow.Channels {
					detail.AllowChannels = append(detail.AllowChannels, AllowedChannel{
						ID:    ch.ID,
						Login: ch.Name,
					})
				}
			}
			for _, drop := range dc.TimeBasedDrops {
				d := CampaignDetailDrop{
					ID:              drop.ID,
					Name:            drop.Name,
					RequiredMinutes: drop.RequiredMinutes,
				}
				for _, pre := range drop.PreconditionDrops {
					d.PreconditionIDs = append(d.PreconditionIDs, pre.ID)
				}
				for _, edge := range drop.BenefitEdges {
					d.Benefits = append(d.Benefits, model.Benefit{
						ID:       edge.Benefit.ID,
						Name:     edge.Benefit.Name,
						ImageURL: edge.Benefit.ImageAssetURL,
						Type:     model.ParseBenefitType(edge.Benefit.DistributionType),
					})
				}
				detail.Drops = append(detail.Drops, d)
			}
			details = append(details, detail)
		}
	}

	return details, nil
}

// ClaimDrop claims a completed drop by its instance handle. Returns
// whether the platform reports the drop as claimed; repeating the claim
// for an already-claimed instance is a no-op on the platform side.
func (c *Client) ClaimDrop(ctx context.Context, instanceID string) (bool, error) {
	data, err := c.PostGQL(ctx, constants.GQLClaimDropRewards, map[string]any{
		"input": map[string]any{
			"dropInstanceID": instanceID,
		},
	})
	if err != nil {
		return false, err
	}

	var resp struct {
		ClaimDropRewards *struct {
			Status string `json:"status"`
		} `json:"claimDropRewards"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return false, fmt.Errorf("parsing claim response: %w", err)
	}

	if resp.ClaimDropRewards == nil {
		return false, nil
	}
	switch resp.ClaimDropRewards.Status {
	case "ELIGIBLE_FOR_ALL", "DROP_INSTANCE_ALREADY_CLAIMED", "":
		return true, nil
	default:
		return false, fmt.Errorf("claim returned status %s", resp.ClaimDropRewards.Status)
	}
}

// CurrentDrop identifies the drop currently accruing progress on a
// channel, per the platform's session context.
type CurrentDrop struct {
	DropID         string
	CurrentMinutes int
}

// GetCurrentDrop resolves the active drop for the given channel.
func (c *Client) GetCurrentDrop(ctx context.Context, channelID string) (*CurrentDrop, error) {
	data, err := c.PostGQL(ctx, constants.GQLCurrentDrop, map[string]any{
		"channelID": channelID,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		CurrentUser *struct {
			DropCurrentSession *struct {
				DropID                string `json:"dropID"`
				CurrentMinutesWatched int    `json:"currentMinutesWatched"`
			} `json:"dropCurrentSession"`
		} `json:"currentUser"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parsing current drop: %w", err)
	}

	if resp.CurrentUser == nil || resp.CurrentUser.DropCurrentSession == nil {
		return nil, nil
	}
	return &CurrentDrop{
		DropID:         resp.CurrentUser.DropCurrentSession.DropID,
		CurrentMinutes: resp.CurrentUser.DropCurrentSession.CurrentMinutesWatched,
	}, nil
}

// beaconURLRegex extracts the beacon endpoint from the channel page
// settings bundle.
var (
	settingsURLRegex = regexp.MustCompile(`https://static\.twitchcdn\.net/config/settings\.[0-9a-f]{32}\.js`)
	beaconURLRegex   = regexp.MustCompile(`"spade_url":"(.*?)"`)
)

// GetBeaconURL resolves the opaque heartbeat endpoint for a channel by
// reading its page and the settings bundle it references.
func (c *Client) GetBeaconURL(ctx context.Context, login string) (string, error) {
	pageURL := fmt.Sprintf("%s/%s", constants.TwitchURL, login)

	page, err := c.fetchRaw(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("fetching channel page for %s: %w", login, err)
	}

	settingsURL := settingsURLRegex.FindString(page)
	if settingsURL == "" {
		return "", fmt.Errorf("settings bundle URL not found on %s", pageURL)
	}

	settingsJS, err := c.fetchRaw(ctx, settingsURL)
	if err != nil {
		return "", fmt.Errorf("fetching settings bundle for %s: %w", login, err)
	}

	match := beaconURLRegex.FindStringSubmatch(settingsJS)
	if len(match) < 2 || match[1] == "" {
		return "", fmt.Errorf("beacon URL not found in settings bundle for %s", login)
	}
	return match[1], nil
}

// fetchRaw GETs a page-sized resource through the web bucket without
// the retry loop; beacon resolution has its own fallback path.
func (c *Client) fetchRaw(ctx context.Context, rawURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultHTTPTimeout)
	defer cancel()

	if err := c.limiters.Web.Acquire(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", constants.DefaultUserAgent)

	c.mu.RLock()
	client := c.httpClient
	c.mu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		return "", &RequestError{Op: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{Op: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &RequestError{Op: rawURL, Err: err}
	}
	return string(body), nil
}
