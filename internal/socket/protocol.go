package socket

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"wamd/internal/store"
	"wamd/internal/wajid"
	"wamd/internal/wamessage"
)

// handleProtocolMessage dispatches the side effects a protocol message
// carries, then snapshots the store so a dropped connection cannot lose the
// resulting state.
func (h *MessageHandler) handleProtocolMessage(ctx context.Context, info *wamessage.Info, p *wamessage.ProtocolMessage, peer bool) error {
	var err error
	switch p.Type {
	case wamessage.ProtocolHistorySyncNotification:
		err = h.handleHistorySync(ctx, info, p.HistorySync)
	case wamessage.ProtocolAppStateSyncKeyShare:
		err = h.handleAppStateKeyShare(p.AppStateKeys)
	case wamessage.ProtocolRevoke:
		err = h.handleRevoke(info, p)
	case wamessage.ProtocolEphemeralSetting:
		h.handleEphemeralSetting(info, p)
	default:
		h.log.Debug("ignoring protocol message", zap.Int("type", int(p.Type)))
	}
	if err != nil {
		return err
	}

	if serr := h.store.Serialize(); serr != nil {
		h.log.Warn("store snapshot failed", zap.Error(serr))
	}
	if peer {
		h.sendSyncReceipt(ctx, info, "peer_msg")
	}
	return nil
}

func (h *MessageHandler) handleHistorySync(ctx context.Context, info *wamessage.Info, ref *wamessage.HistorySyncNotification) error {
	if ref == nil {
		return fmt.Errorf("socket: history sync notification without blob reference")
	}
	if h.download == nil {
		return fmt.Errorf("socket: no media downloader configured for history sync")
	}
	compressed, err := h.download(ctx, ref)
	if err != nil {
		return fmt.Errorf("socket: download history sync: %w", err)
	}
	inflated, err := wamessage.Inflate(compressed)
	if err != nil {
		return err
	}
	history, err := wamessage.UnmarshalHistorySync(inflated)
	if err != nil {
		return err
	}

	switch history.SyncType {
	case wamessage.HistorySyncBootstrap:
		for _, conv := range history.Conversations {
			h.addChatToHistory(conv)
		}
		h.store.SetHasSnapshot(true)
		if h.events.OnChats != nil {
			h.events.OnChats()
		}

	case wamessage.HistorySyncFull:
		for _, conv := range history.Conversations {
			h.addChatToHistory(conv)
		}

	case wamessage.HistorySyncStatusV3:
		for _, status := range history.Statuses {
			h.store.AddStatus(statusInfo(status))
		}
		if h.events.OnStatus != nil {
			h.events.OnStatus()
		}

	case wamessage.HistorySyncRecent:
		for _, conv := range history.Conversations {
			h.handleRecentChat(conv)
		}

	case wamessage.HistorySyncPushName:
		for _, pn := range history.PushNames {
			h.handlePushName(pn)
		}
		if h.events.OnContacts != nil {
			h.events.OnContacts()
		}

	default:
		h.log.Debug("ignoring history sync", zap.Int("syncType", int(history.SyncType)))
	}

	h.sendSyncReceipt(ctx, info, "hist_sync")
	return nil
}

func statusInfo(status wamessage.HistoryStatus) *wamessage.Info {
	info := &wamessage.Info{
		Message:   status.Message,
		Timestamp: status.Timestamp,
	}
	if status.Key != nil {
		info.Key.ID = status.Key.ID
		info.Key.FromMe = status.Key.FromMe
		if jid, err := wajid.Parse(status.Key.ChatJID); err == nil {
			info.Key.ChatJID = jid
		}
		if jid, err := wajid.Parse(status.Key.SenderJID); err == nil {
			info.Key.SenderJID = jid
		}
	}
	return info
}

// addChatToHistory installs a synced chat and parks it in the history cache;
// the cache expiry marks the chat's batch as complete.
func (h *MessageHandler) addChatToHistory(conv wamessage.HistoryConversation) {
	chat := h.conversationChat(conv)
	h.history.Put(chat.JID.String(), chat)
}

// handleRecentChat reports a chat's recent messages and restarts its history
// cache TTL.
func (h *MessageHandler) handleRecentChat(conv wamessage.HistoryConversation) {
	chat := h.conversationChat(conv)
	if h.events.OnChatRecentMessages != nil {
		h.events.OnChatRecentMessages(chat, false)
	}
	h.history.Put(chat.JID.String(), chat)
}

// conversationChat maps a synced conversation onto the stored chat,
// creating it when unknown.
func (h *MessageHandler) conversationChat(conv wamessage.HistoryConversation) *store.Chat {
	jid, err := wajid.Parse(conv.JID)
	if err != nil {
		h.log.Warn("history conversation with bad jid", zap.String("jid", conv.JID), zap.Error(err))
		jid = wajid.JID{User: conv.JID, Server: wajid.ServerWhatsapp}
	}
	if known, ok := h.store.FindChatByJID(jid); ok {
		return known
	}
	return h.store.AddChat(&store.Chat{
		JID:                 jid,
		Name:                conv.Name,
		Unread:              conv.UnreadCount,
		Archived:            conv.Archived,
		EphemeralDuration:   conv.EphemeralExpiration,
		ParticipantsPreKeys: map[string]bool{},
	})
}

func (h *MessageHandler) handlePushName(pn wamessage.PushName) {
	jid, err := wajid.Parse(pn.JID)
	if err != nil {
		h.log.Warn("push name with bad jid", zap.String("jid", pn.JID), zap.Error(err))
		return
	}
	contact := h.store.EnsureContact(jid)
	contact.ChosenName = pn.Name
	if h.events.OnAction != nil {
		h.events.OnAction(wamessage.ContactAction{JID: contact.JID, Name: pn.Name})
	}
}

func (h *MessageHandler) handleAppStateKeyShare(share *wamessage.AppStateSyncKeyShare) error {
	if share == nil || len(share.Keys) == 0 {
		return nil
	}
	keys := make([]store.AppStateKey, 0, len(share.Keys))
	for _, k := range share.Keys {
		keys = append(keys, store.AppStateKey{ID: k.KeyID, Data: k.Data})
	}
	if err := h.keys.AddAppStateKeys(keys); err != nil {
		return err
	}
	if h.pullInitialPatches != nil {
		h.pullInitialPatches()
	}
	return nil
}

func (h *MessageHandler) handleRevoke(info *wamessage.Info, p *wamessage.ProtocolMessage) error {
	if p.Key == nil {
		return fmt.Errorf("socket: revoke without message key")
	}
	chat, ok := h.store.FindChatByJID(info.Key.ChatJID)
	if !ok {
		return nil
	}
	revoked, ok := chat.FindMessageByID(p.Key.ID)
	if !ok {
		return nil
	}
	chat.RemoveMessage(p.Key.ID)
	if h.events.OnMessageDeleted != nil {
		h.events.OnMessageDeleted(revoked, true)
	}
	return nil
}

func (h *MessageHandler) handleEphemeralSetting(info *wamessage.Info, p *wamessage.ProtocolMessage) {
	chat := h.store.EnsureChat(info.Key.ChatJID)
	chat.EphemeralDuration = p.EphemeralExpiration
	chat.EphemeralToggleTime = info.Timestamp
	if h.events.OnSetting != nil {
		h.events.OnSetting(wamessage.EphemeralSetting{
			ChatJID:   chat.JID,
			Duration:  p.EphemeralExpiration,
			Timestamp: info.Timestamp,
		})
	}
}
