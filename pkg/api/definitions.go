package api

import (
	"time"
)

type ConversationKind string

const (
	KindDM    ConversationKind = "DM"
	KindGroup ConversationKind = "GROUP"
)

type ConversationStatus string

const (
	StatusPending  ConversationStatus = "pending"
	StatusAccepted ConversationStatus = "accepted"
	StatusRejected ConversationStatus = "rejected"
)

type ResponseAction string

const (
	ActionAccepted ResponseAction = "accepted"
	ActionRejected ResponseAction = "rejected"
)

type ParticipantRole string

const (
	RoleInitiator ParticipantRole = "initiator"
	RoleReceiver  ParticipantRole = "receiver"
	RoleAdmin     ParticipantRole = "admin"
	RoleMember    ParticipantRole = "member"
)

type MembershipState string

const (
	MembershipActive  MembershipState = "active"
	MembershipLeft    MembershipState = "left"
	MembershipRemoved MembershipState = "removed"
	MembershipInvited MembershipState = "invited"
)

type Participant struct {
	UserID   string          `bson:"user_id" json:"userId"`
	Role     ParticipantRole `bson:"role" json:"role"`
	State    MembershipState `bson:"state" json:"state"`
	JoinedAt time.Time       `bson:"joined_at" json:"joinedAt"`
}

type ReadReceipt struct {
	UserID     string    `bson:"user_id" json:"userId"`
	LastReadAt time.Time `bson:"last_read_at" json:"lastReadAt"`
}

type BlockDetails struct {
	IsBlocked bool      `bson:"is_blocked" json:"isBlocked"`
	BlockedBy string    `bson:"blocked_by,omitempty" json:"blockedBy,omitempty"`
	Time      time.Time `bson:"time" json:"time"`
}

type GroupSettings struct {
	OnlyAdminCanPost       bool `bson:"only_admin_can_post" json:"onlyAdminCanPost"`
	ApprovalRequiredToJoin bool `bson:"approval_required_to_join" json:"approvalRequiredToJoin"`
	MaxMembers             int  `bson:"max_members" json:"maxMembers"`
}

type GroupDetails struct {
	Name     string         `bson:"name" json:"name"`
	Image    string         `bson:"image,omitempty" json:"image,omitempty"`
	Settings *GroupSettings `bson:"settings,omitempty" json:"settings,omitempty"`
}

// UserSettings holds a single participant's private view preferences for a
// conversation. Mutated through a JSON-patch endpoint, never broadcast.
type UserSettings struct {
	UserID     string `bson:"user_id" json:"userId"`
	IsArchived bool   `bson:"is_archived" json:"isArchived"`
	IsMuted    bool   `bson:"is_muted" json:"isMuted"`
}

// ResponseDetails records who answered a DM request and how.
type ResponseDetails struct {
	RespondedBy    string
	ResponseAction ResponseAction
	ResponseTime   time.Time
}

type Conversation struct {
	ID             string             `bson:"_id,omitempty" json:"id"`
	Kind           ConversationKind   `bson:"type" json:"type"`
	Participants   []Participant      `bson:"participants" json:"participants"`
	Status         ConversationStatus `bson:"conversation_status" json:"conversationStatus"`
	InitiatedBy    string             `bson:"initiated_by" json:"initiatedBy"`
	InitiatedAt    time.Time          `bson:"initiated_at" json:"initiatedAt"`
	RespondedBy    string             `bson:"responded_by,omitempty" json:"respondedBy,omitempty"`
	ResponseAction ResponseAction     `bson:"response_action,omitempty" json:"responseAction,omitempty"`
	ResponseTime   *time.Time         `bson:"response_time,omitempty" json:"responseTime,omitempty"`
	LastMessageID  string             `bson:"last_message,omitempty" json:"lastMessageId,omitempty"`
	ReadReceipts   []ReadReceipt      `bson:"read_receipts" json:"readReceipts"`
	UserSettings   []UserSettings     `bson:"user_settings" json:"-"`
	BlockDetails   *BlockDetails      `bson:"block_details,omitempty" json:"blockDetails,omitempty"`
	GroupDetails   *GroupDetails      `bson:"group_details,omitempty" json:"groupDetails,omitempty"`
	CreatedAt      time.Time          `bson:"created_at" json:"createdAt"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updatedAt"`
}

// IsParticipant reports whether uid is bound to the conversation, in any
// membership state.
func (c *Conversation) IsParticipant(uid string) bool {
	for _, p := range c.Participants {
		if p.UserID == uid {
			return true
		}
	}
	return false
}

func (c *Conversation) ParticipantRole(uid string) (ParticipantRole, bool) {
	for _, p := range c.Participants {
		if p.UserID == uid {
			return p.Role, true
		}
	}
	return "", false
}

// CanAccept reports whether the request may transition to accepted.
func (c *Conversation) CanAccept() bool {
	return c.Status == StatusPending || c.Status == StatusRejected
}

// CanReject reports whether the request may transition to rejected.
func (c *Conversation) CanReject() bool {
	return c.Status == StatusPending || c.Status == StatusAccepted
}

func (c *Conversation) IsBlocked() bool {
	return c.BlockDetails != nil && c.BlockDetails.IsBlocked
}

type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeFile     MessageType = "file"
	TypeSystem   MessageType = "system"
	TypeLocation MessageType = "location"
)

type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

type DeletionScope string

const (
	DeletedForMe       DeletionScope = "me"
	DeletedForEveryone DeletionScope = "everyone"
)

type DeletionEntry struct {
	DeletedFor DeletionScope `bson:"deleted_for" json:"deletedFor"`
	UserID     string        `bson:"user_id,omitempty" json:"userId,omitempty"`
	Time       time.Time     `bson:"time" json:"time"`
}

type Reaction struct {
	UserID    string    `bson:"user_id" json:"userId"`
	Emoji     string    `bson:"emoji" json:"emoji"`
	ReactedAt time.Time `bson:"reacted_at" json:"reactedAt"`
}

// MessageMetadata carries forwarding annotations. Stored verbatim; the
// forwarding pipeline itself lives client-side.
type MessageMetadata struct {
	IsForwarded   bool       `bson:"is_forwarded" json:"isForwarded"`
	ForwardedFrom string     `bson:"forwarded_from,omitempty" json:"forwardedFrom,omitempty"`
	ForwardedTime *time.Time `bson:"forwarded_time,omitempty" json:"forwardedTime,omitempty"`
}

type Message struct {
	ID              string           `bson:"_id,omitempty" json:"id"`
	ConversationID  string           `bson:"conversation_id" json:"conversationId"`
	SenderID        string           `bson:"sender" json:"senderId"`
	Type            MessageType      `bson:"type" json:"type"`
	Content         string           `bson:"content" json:"content"`
	Caption         string           `bson:"caption,omitempty" json:"caption,omitempty"`
	Status          MessageStatus    `bson:"status" json:"status"`
	Edited          bool             `bson:"edited" json:"edited"`
	EditedAt        *time.Time       `bson:"edited_at,omitempty" json:"editedAt,omitempty"`
	ReplyTo         string           `bson:"reply_to,omitempty" json:"replyTo,omitempty"`
	Metadata        *MessageMetadata `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Reactions       []Reaction       `bson:"reactions" json:"reactions"`
	DeletionHistory []DeletionEntry  `bson:"deleted_history" json:"-"`
	CreatedAt       time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt       time.Time        `bson:"updated_at" json:"updatedAt"`
}

// DeletedForAll reports whether an everyone-scoped deletion entry exists.
func (m *Message) DeletedForAll() bool {
	for _, d := range m.DeletionHistory {
		if d.DeletedFor == DeletedForEveryone {
			return true
		}
	}
	return false
}

// DeletedFor reports whether the message is hidden from uid, either by an
// everyone-scoped entry or a me-scoped entry naming uid.
func (m *Message) DeletedFor(uid string) bool {
	for _, d := range m.DeletionHistory {
		if d.DeletedFor == DeletedForEveryone {
			return true
		}
		if d.DeletedFor == DeletedForMe && d.UserID == uid {
			return true
		}
	}
	return false
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

type UserModel struct {
	UID       string
	Name      string
	Email     string
	Status    PresenceStatus
	LastSeen  time.Time
	LastLogin time.Time
}

func (u *UserModel) ConvertToDTO() User {
	return User{
		UID:      u.UID,
		Name:     u.Name,
		Email:    u.Email,
		Status:   u.Status,
		LastSeen: u.LastSeen,
	}
}

type User struct {
	UID      string         `json:"uid"`
	Name     string         `json:"name"`
	Email    string         `json:"email"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

// Identity is the result of verifying an opaque credential.
type Identity struct {
	UID   string
	Name  string
	Email string
}
