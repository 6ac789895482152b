// Copyright 2024-2026 Aiku AI

// Package matrix implements the homeserver side of the bridge on top of
// an appservice registration: ghost impersonation, room management and
// event sending with timestamp massaging for history imports.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/bridge"
)

// Client talks to the homeserver with the appservice token, asserting
// ghost identities through the user_id query parameter. Users who have
// enabled double puppeting get a dedicated client with their own token.
type Client struct {
	log           zerolog.Logger
	homeserverURL string
	asToken       string
	botMXID       id.UserID

	mu      sync.Mutex
	clients map[id.UserID]*mautrix.Client
	tokens  map[id.UserID]string
}

var _ bridge.MatrixAPI = (*Client)(nil)

func NewClient(log zerolog.Logger, homeserverURL, asToken string, botMXID id.UserID) *Client {
	return &Client{
		log:           log.With().Str("component", "matrix_client").Logger(),
		homeserverURL: homeserverURL,
		asToken:       asToken,
		botMXID:       botMXID,
		clients:       make(map[id.UserID]*mautrix.Client),
		tokens:        make(map[id.UserID]string),
	}
}

// AddPuppetToken registers a user's own access token for double
// puppeting. Events sent as this user will use their native identity
// instead of appservice assertion.
func (c *Client) AddPuppetToken(userID id.UserID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[userID] = token
	delete(c.clients, userID)
}

// client returns a cached per-identity client. Identities without a
// double puppet token are asserted with the appservice token.
func (c *Client) client(userID id.UserID) (*mautrix.Client, error) {
	if userID == "" {
		userID = c.botMXID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.clients[userID]; ok {
		return cli, nil
	}
	token, hasOwnToken := c.tokens[userID]
	if !hasOwnToken {
		token = c.asToken
	}
	cli, err := mautrix.NewClient(c.homeserverURL, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", userID, err)
	}
	cli.SetAppServiceUserID = !hasOwnToken
	cli.Log = c.log.With().Str("as_user", userID.String()).Logger()
	c.clients[userID] = cli
	return cli, nil
}

func (c *Client) CreateRoom(ctx context.Context, req *bridge.RoomCreateRequest) (id.RoomID, error) {
	cli, err := c.client(req.Creator)
	if err != nil {
		return "", err
	}
	resp, err := cli.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Visibility: "private",
		Preset:     "private_chat",
		Name:       req.Name,
		Topic:      req.Topic,
		IsDirect:   req.IsDirect,
		Invite:     req.Invite,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create room: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) SendMessage(ctx context.Context, sender id.UserID, room id.RoomID, content *event.MessageEventContent, ts time.Time) (id.EventID, error) {
	cli, err := c.client(sender)
	if err != nil {
		return "", err
	}
	var extra []mautrix.ReqSendEvent
	if !ts.IsZero() {
		// Backdate history imports to the original send time.
		extra = append(extra, mautrix.ReqSendEvent{Timestamp: ts.UnixMilli()})
	}
	resp, err := cli.SendMessageEvent(ctx, room, event.EventMessage, content, extra...)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) SendRedaction(ctx context.Context, sender id.UserID, room id.RoomID, target id.EventID) (id.EventID, error) {
	cli, err := c.client(sender)
	if err != nil {
		return "", err
	}
	resp, err := cli.RedactEvent(ctx, room, target)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) SendReaction(ctx context.Context, sender id.UserID, room id.RoomID, target id.EventID, emoji string, ts time.Time) (id.EventID, error) {
	cli, err := c.client(sender)
	if err != nil {
		return "", err
	}
	content := &event.ReactionEventContent{
		RelatesTo: event.RelatesTo{
			Type:    event.RelAnnotation,
			EventID: target,
			Key:     emoji,
		},
	}
	var extra []mautrix.ReqSendEvent
	if !ts.IsZero() {
		extra = append(extra, mautrix.ReqSendEvent{Timestamp: ts.UnixMilli()})
	}
	resp, err := cli.SendMessageEvent(ctx, room, event.EventReaction, content, extra...)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) SendNotice(ctx context.Context, room id.RoomID, text string) (id.EventID, error) {
	cli, err := c.client(c.botMXID)
	if err != nil {
		return "", err
	}
	resp, err := cli.SendNotice(ctx, room, text)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func (c *Client) SetRoomName(ctx context.Context, room id.RoomID, name string) error {
	cli, err := c.client(c.botMXID)
	if err != nil {
		return err
	}
	_, err = cli.SendStateEvent(ctx, room, event.StateRoomName, "", &event.RoomNameEventContent{Name: name})
	return err
}

func (c *Client) SetRoomTopic(ctx context.Context, room id.RoomID, topic string) error {
	cli, err := c.client(c.botMXID)
	if err != nil {
		return err
	}
	_, err = cli.SendStateEvent(ctx, room, event.StateTopic, "", &event.TopicEventContent{Topic: topic})
	return err
}

func (c *Client) EnsureRegistered(ctx context.Context, ghost id.UserID) error {
	cli, err := c.client(c.botMXID)
	if err != nil {
		return err
	}
	localpart, _, err := ghost.Parse()
	if err != nil {
		return fmt.Errorf("malformed ghost MXID %s: %w", ghost, err)
	}
	_, _, err = cli.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register %s: %w", ghost, err)
	}
	return nil
}

func (c *Client) EnsureJoined(ctx context.Context, ghost id.UserID, room id.RoomID) error {
	cli, err := c.client(ghost)
	if err != nil {
		return err
	}
	if _, err = cli.JoinRoomByID(ctx, room); err == nil {
		return nil
	} else if !errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("failed to join %s: %w", room, err)
	}
	// Not invited yet: have the bot invite and retry.
	bot, err := c.client(c.botMXID)
	if err != nil {
		return err
	}
	if _, err = bot.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: ghost}); err != nil && !errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("failed to invite %s: %w", ghost, err)
	}
	if _, err = cli.JoinRoomByID(ctx, room); err != nil {
		return fmt.Errorf("failed to join %s after invite: %w", room, err)
	}
	return nil
}

func (c *Client) LeaveRoom(ctx context.Context, ghost id.UserID, room id.RoomID) error {
	cli, err := c.client(ghost)
	if err != nil {
		return err
	}
	_, err = cli.LeaveRoom(ctx, room)
	return err
}

func (c *Client) SetMembership(ctx context.Context, sender id.UserID, room id.RoomID, target id.UserID, membership event.Membership) error {
	cli, err := c.client(sender)
	if err != nil {
		return err
	}
	switch membership {
	case event.MembershipInvite:
		_, err = cli.InviteUser(ctx, room, &mautrix.ReqInviteUser{UserID: target})
	case event.MembershipBan:
		_, err = cli.BanUser(ctx, room, &mautrix.ReqBanUser{UserID: target})
	case event.MembershipLeave:
		_, err = cli.KickUser(ctx, room, &mautrix.ReqKickUser{UserID: target})
	default:
		return fmt.Errorf("unsupported membership %q", membership)
	}
	return err
}

func (c *Client) SetDisplayName(ctx context.Context, ghost id.UserID, name string) error {
	cli, err := c.client(ghost)
	if err != nil {
		return err
	}
	return cli.SetDisplayName(ctx, name)
}

func (c *Client) SetTyping(ctx context.Context, ghost id.UserID, room id.RoomID, timeout time.Duration) error {
	cli, err := c.client(ghost)
	if err != nil {
		return err
	}
	_, err = cli.UserTyping(ctx, room, timeout > 0, timeout)
	return err
}

func (c *Client) MarkRead(ctx context.Context, sender id.UserID, room id.RoomID, target id.EventID) error {
	cli, err := c.client(sender)
	if err != nil {
		return err
	}
	return cli.MarkRead(ctx, room, target)
}
