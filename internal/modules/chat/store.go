package chat

import (
	"context"
	"sort"

	"github.com/Tyrowin/gocomet/internal/kv"
)

// membership keeps the two-way channel/user sets.
type membership struct {
	kv *kv.Store
}

func userChannelsKey(identityID string) string { return kv.Key(kv.ChatUserChannels, identityID) }
func channelUsersKey(channel string) string    { return kv.Key(kv.ChatChannelUsers, channel) }

func (m membership) channels(ctx context.Context, identityID string) ([]string, error) {
	channels, err := m.kv.SMembers(ctx, userChannelsKey(identityID))
	sort.Strings(channels)
	return channels, err
}

func (m membership) users(ctx context.Context, channel string) ([]string, error) {
	users, err := m.kv.SMembers(ctx, channelUsersKey(channel))
	sort.Strings(users)
	return users, err
}

func (m membership) join(ctx context.Context, identityID, channel string) error {
	if err := m.kv.SAdd(ctx, userChannelsKey(identityID), channel); err != nil {
		return err
	}
	return m.kv.SAdd(ctx, channelUsersKey(channel), identityID)
}

func (m membership) leave(ctx context.Context, identityID, channel string) error {
	if err := m.kv.SRem(ctx, userChannelsKey(identityID), channel); err != nil {
		return err
	}
	return m.kv.SRem(ctx, channelUsersKey(channel), identityID)
}

func (m membership) isMember(ctx context.Context, identityID, channel string) (bool, error) {
	return m.kv.SIsMember(ctx, channelUsersKey(channel), identityID)
}
