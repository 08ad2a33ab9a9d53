// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

// ErrInvalidGroupRequest wraps validation failures of group creation.
var ErrInvalidGroupRequest = errors.New("invalid group request")

// GroupSummary is one entry of the joined-groups listing.
type GroupSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
	Monitored    bool   `json:"monitored"`
}

// CreatedGroup describes a newly created group.
type CreatedGroup struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type groupLister interface {
	GetJoinedGroups(ctx context.Context) ([]*types.GroupInfo, error)
}

type groupCreator interface {
	CreateGroup(ctx context.Context, req whatsmeow.ReqCreateGroup) (*types.GroupInfo, error)
}

// groupInfoToSummary converts a whatsmeow group to the listing shape.
func groupInfoToSummary(info *types.GroupInfo, groups groupMembership) GroupSummary {
	id := info.JID.String()
	name := info.Name
	if name == "" {
		name = id
	}
	return GroupSummary{
		ID:           id,
		Name:         name,
		Participants: len(info.Participants),
		Monitored:    groups.Contains(id),
	}
}

// ListGroups returns every group the session has joined, sorted by name.
func ListGroups(ctx context.Context, src groupLister, groups groupMembership) ([]GroupSummary, error) {
	joined, err := src.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch joined groups: %w", err)
	}
	out := make([]GroupSummary, 0, len(joined))
	for _, info := range joined {
		if info == nil {
			continue
		}
		out = append(out, groupInfoToSummary(info, groups))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// CreateGroup creates a group with the given subject and participants.
// Participants may be full JIDs or phone numbers.
func CreateGroup(ctx context.Context, dst groupCreator, name string, participants []string) (*CreatedGroup, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: groupName is required", ErrInvalidGroupRequest)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: participants must be a non-empty list", ErrInvalidGroupRequest)
	}
	jids := make([]types.JID, 0, len(participants))
	for _, raw := range participants {
		jid, err := ParseParticipantJID(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGroupRequest, err)
		}
		jids = append(jids, jid)
	}

	info, err := dst.CreateGroup(ctx, whatsmeow.ReqCreateGroup{
		Name:         name,
		Participants: jids,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create group: %w", err)
	}

	created := &CreatedGroup{
		ID:           info.JID.String(),
		Name:         info.Name,
		Participants: make([]string, 0, len(info.Participants)),
	}
	if created.Name == "" {
		created.Name = name
	}
	for _, p := range info.Participants {
		created.Participants = append(created.Participants, p.JID.String())
	}
	return created, nil
}
