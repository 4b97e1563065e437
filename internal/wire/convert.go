package wire

import "convo/internal/model"

// ToModel normalizes a wire message into the domain representation. The
// server only ever sends confirmed messages.
func (m Message) ToModel() model.Message {
	return model.Message{
		ID:             m.ID,
		CorrelationID:  m.CorrelationID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		State:          model.StateConfirmed,
		SeenBy:         m.SeenBy,
	}
}

// ToModel normalizes a wire conversation summary, canonicalizing every
// participant ID at the boundary.
func (c Conversation) ToModel() model.Conversation {
	conv := model.Conversation{
		ID:          c.ID,
		UnreadCount: c.UnreadCount,
		UpdatedAt:   c.UpdatedAt,
	}
	for _, p := range c.Participants {
		conv.Participants = append(conv.Participants, model.Participant{
			ID:          p.CanonicalID(),
			Username:    p.Username,
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
		})
	}
	if c.LastMessage != nil {
		conv.LastMessage = &model.LastMessage{
			Content:  c.LastMessage.Content,
			SenderID: c.LastMessage.SenderID,
			SentAt:   c.LastMessage.SentAt,
		}
	}
	return conv
}
