package domain

import "sort"

// Type is the closed enumeration of notification kinds.
type Type string

const (
	TypeComment              Type = "comment"
	TypeReply                Type = "reply"
	TypeLike                 Type = "like"
	TypeFollow               Type = "follow"
	TypeMention              Type = "mention"
	TypeNewPost              Type = "new_post"
	TypeNewArticle           Type = "new_article"
	TypeCommunityInvite      Type = "community_invite"
	TypeCommunityPost        Type = "community_post"
	TypeExpertAnswer         Type = "expert_answer"
	TypeExpertConsultation   Type = "expert_consultation"
	TypePaymentConfirmation  Type = "payment_confirmation"
	TypePaymentFailed        Type = "payment_failed"
	TypeSubscriptionExpiring Type = "subscription_expiring"
	TypeSystem               Type = "system"
	TypeTest                 Type = "test"
)

// TypeInfo describes a notification type for the types listing.
type TypeInfo struct {
	Type            Type      `json:"type"`
	Description     string    `json:"description"`
	DefaultChannels []Channel `json:"default_channels"`
}

var catalog = map[Type]TypeInfo{
	TypeComment:              {TypeComment, "Someone commented on your post", []Channel{ChannelInApp, ChannelPush}},
	TypeReply:                {TypeReply, "Someone replied to your comment", []Channel{ChannelInApp, ChannelPush}},
	TypeLike:                 {TypeLike, "Someone liked your content", []Channel{ChannelInApp}},
	TypeFollow:               {TypeFollow, "You have a new follower", []Channel{ChannelInApp, ChannelPush}},
	TypeMention:              {TypeMention, "You were mentioned", []Channel{ChannelInApp, ChannelPush}},
	TypeNewPost:              {TypeNewPost, "A followed user published a post", []Channel{ChannelInApp}},
	TypeNewArticle:           {TypeNewArticle, "A new article was published", []Channel{ChannelInApp, ChannelEmail}},
	TypeCommunityInvite:      {TypeCommunityInvite, "You were invited to a community", []Channel{ChannelInApp, ChannelPush, ChannelEmail}},
	TypeCommunityPost:        {TypeCommunityPost, "New post in one of your communities", []Channel{ChannelInApp}},
	TypeExpertAnswer:         {TypeExpertAnswer, "An expert answered your question", []Channel{ChannelInApp, ChannelPush, ChannelEmail}},
	TypeExpertConsultation:   {TypeExpertConsultation, "Consultation booked or updated", []Channel{ChannelInApp, ChannelPush, ChannelEmail, ChannelSMS}},
	TypePaymentConfirmation:  {TypePaymentConfirmation, "Payment received", []Channel{ChannelInApp, ChannelEmail, ChannelSMS}},
	TypePaymentFailed:        {TypePaymentFailed, "Payment failed", []Channel{ChannelInApp, ChannelEmail, ChannelSMS}},
	TypeSubscriptionExpiring: {TypeSubscriptionExpiring, "Subscription is about to expire", []Channel{ChannelInApp, ChannelEmail}},
	TypeSystem:               {TypeSystem, "Platform announcement", []Channel{ChannelInApp, ChannelEmail}},
	TypeTest:                 {TypeTest, "Test notification", []Channel{ChannelInApp}},
}

// Known reports whether t is part of the catalog.
func (t Type) Known() bool {
	_, ok := catalog[t]
	return ok
}

// Catalog returns all known types sorted by name.
func Catalog() []TypeInfo {
	out := make([]TypeInfo, 0, len(catalog))
	for _, info := range catalog {
		info.DefaultChannels = append([]Channel(nil), info.DefaultChannels...)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
