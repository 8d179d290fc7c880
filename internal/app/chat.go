package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"atelier/api/internal/ai"
	"atelier/api/internal/search"
	"atelier/api/internal/store"
	"atelier/api/internal/util"
)

// systemPrompt seeds the first turn of every assistant conversation.
const systemPrompt = "Tu es un conseiller utile pour les projets et tâches. Réponds de manière concise et pratique."

// carriesSystemInstruction reports whether the transcript window still starts
// with the instruction turn. The window trim can evict it, in which case the
// next user turn carries it again.
func carriesSystemInstruction(transcript []ai.Turn) bool {
	return len(transcript) > 0 && strings.HasPrefix(transcript[0].Text, systemPrompt)
}

// Broadcaster fans a chat event out to everyone joined to the room. The
// websocket gateway implements it; tests swap in a recorder.
type Broadcaster interface {
	Broadcast(chatID, event string, payload any)
}

// SetBroadcaster attaches the realtime fan-out. Without one, messages are
// persisted but nobody is notified.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// AuthorizeChat runs the membership gate for a chat. The websocket gateway
// uses it before admitting a connection to a room.
func (s *Service) AuthorizeChat(ctx context.Context, chatID, userID string) error {
	_, err := s.canAccessChat(ctx, userID, chatID)
	return err
}

// chatLock serializes persist+broadcast per chat so that broadcast order
// always matches the persisted order.
func (s *Service) chatLock(chatID string) *sync.Mutex {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	lock, ok := s.chatLocks[chatID]
	if !ok {
		lock = &sync.Mutex{}
		s.chatLocks[chatID] = lock
	}
	return lock
}

// Messages returns a chat's history in persisted order, or search results
// when q is set.
func (s *Service) Messages(ctx context.Context, chatID, userID, q string) (map[string]any, error) {
	if _, err := s.canAccessChat(ctx, userID, chatID); err != nil {
		return nil, err
	}

	if q = strings.TrimSpace(q); q != "" {
		if s.search == nil {
			return nil, errValidation("search is not enabled")
		}
		response := s.search.Search(search.Query{ChatID: chatID, Text: q, Limit: 50})
		return map[string]any{
			"results": response.Results,
			"total":   response.Total,
			"query":   response.Query,
		}, nil
	}

	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messagePayload(message))
	}
	return map[string]any{"messages": items}, nil
}

// SendMessage persists a chat message and broadcasts it to the room. A nil
// senderID is the internal path for assistant messages and skips the gate.
func (s *Service) SendMessage(ctx context.Context, chatID string, senderID *string, content string, taskID, fileURL *string) (map[string]any, error) {
	if senderID != nil {
		if _, err := s.canAccessChat(ctx, *senderID, chatID); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.store.GetChat(ctx, chatID); err != nil {
			return nil, err
		}
	}
	content = strings.TrimSpace(content)
	if content == "" && fileURL == nil {
		return nil, errValidation("content is required")
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	return s.persistAndBroadcast(ctx, chatID, senderID, content, taskID, fileURL)
}

// persistAndBroadcast must be called with the chat lock held.
func (s *Service) persistAndBroadcast(ctx context.Context, chatID string, senderID *string, content string, taskID, fileURL *string) (map[string]any, error) {
	message := store.Message{
		ID:       util.NewID("msg"),
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
		TaskID:   taskID,
		FileURL:  fileURL,
	}
	if senderID != nil {
		sender, err := s.store.GetUserByID(ctx, *senderID)
		if err != nil {
			return nil, err
		}
		message.SenderName = &sender.Username
	}
	if err := s.store.InsertMessage(ctx, &message); err != nil {
		return nil, err
	}

	if s.search != nil {
		record := search.MessageRecord{ID: message.ID, ChatID: chatID, Content: content}
		if message.SenderName != nil {
			record.SenderName = *message.SenderName
		}
		s.search.IndexMessage(record)
	}

	payload := messagePayload(message)
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(chatID, "receiveMessage", payload)
	}
	return payload, nil
}

// Converse relays a user message to the assistant and posts the reply into
// the chat. On upstream failure the user message stays persisted, no
// assistant message appears and the transcript is untouched.
func (s *Service) Converse(ctx context.Context, chatID, userID, text string) (map[string]any, error) {
	if _, err := s.canAccessChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errValidation("message is required")
	}
	if s.assistant == nil || !s.assistant.Configured() {
		return nil, domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "Assistant is not configured", nil)
	}

	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	userPayload, err := s.persistAndBroadcast(ctx, chatID, &userID, text, nil, nil)
	if err != nil {
		return nil, err
	}

	transcript := s.contexts.Transcript(chatID)
	prompt := text
	if !carriesSystemInstruction(transcript) {
		prompt = systemPrompt + "\n\n" + text
	}
	turns := append(transcript, ai.Turn{Role: ai.RoleUser, Text: prompt})

	reply, err := s.assistant.Generate(ctx, turns)
	if err != nil {
		return nil, errUpstream("Assistant request failed")
	}

	assistantPayload, err := s.persistAndBroadcast(ctx, chatID, nil, reply, nil, nil)
	if err != nil {
		return nil, err
	}

	s.contexts.Append(chatID,
		ai.Turn{Role: ai.RoleUser, Text: prompt},
		ai.Turn{Role: ai.RoleModel, Text: reply},
	)

	return map[string]any{
		"userMessage":   userPayload,
		"geminiMessage": assistantPayload,
	}, nil
}

// GeneratePlan asks the assistant for a structured schedule over a project's
// tasks. One-shot: the per-chat transcript store is never involved.
func (s *Service) GeneratePlan(ctx context.Context, projectID, userID string) (string, error) {
	if _, err := s.canAccessProject(ctx, userID, projectID); err != nil {
		return "", err
	}
	if s.assistant == nil || !s.assistant.Configured() {
		return "", domainError(http.StatusServiceUnavailable, "AI_UNAVAILABLE", "Assistant is not configured", nil)
	}

	tasks, err := s.store.ListTasksByProject(ctx, projectID, "")
	if err != nil {
		return "", err
	}

	type planTask struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		StartDate   string `json:"startDate"`
		EndDate     string `json:"endDate"`
		Status      string `json:"status"`
		Project     string `json:"project"`
		AssignedTo  string `json:"assignedTo"`
	}
	planTasks := make([]planTask, 0, len(tasks))
	for _, task := range tasks {
		assignedTo := "Non assigné"
		if task.AssignedToName != nil {
			assignedTo = *task.AssignedToName
		}
		planTasks = append(planTasks, planTask{
			Title:       task.Title,
			Description: task.Description,
			StartDate:   task.StartDate.UTC().Format("2006-01-02"),
			EndDate:     task.EndDate.UTC().Format("2006-01-02"),
			Status:      task.Status,
			Project:     task.ProjectName,
			AssignedTo:  assignedTo,
		})
	}
	encoded, err := json.Marshal(planTasks)
	if err != nil {
		return "", err
	}

	message := "Génère un planning structuré pour les tâches suivantes : " + string(encoded) +
		". Fournis une réponse sous forme de liste (et non un tableau) avec les détails suivants pour chaque tâche : " +
		"Tâche, Description, Date de début, Date de fin, Statut, Assigné à, Ressources nécessaires. Par exemple :\n" +
		"- Tâche : [Nom de la tâche]\n" +
		"  Description : [Description]\n" +
		"  Date de début : [Date]\n" +
		"  Date de fin : [Date]\n" +
		"  Statut : [Statut]\n" +
		"  Assigné à : [Utilisateur]\n" +
		"  Ressources nécessaires : [Ressources]"

	plan, err := s.assistant.Generate(ctx, []ai.Turn{
		{Role: ai.RoleUser, Text: systemPrompt + "\n\n" + message},
	})
	if err != nil {
		return "", errUpstream("Assistant request failed")
	}
	return plan, nil
}

func messagePayload(message store.Message) map[string]any {
	payload := map[string]any{
		"id":        message.ID,
		"chatId":    message.ChatID,
		"content":   message.Content,
		"timestamp": message.Timestamp.UTC().Format(time.RFC3339),
		"seq":       message.Seq,
	}
	if message.SenderID != nil {
		payload["senderId"] = *message.SenderID
	}
	if message.SenderName != nil {
		payload["senderName"] = *message.SenderName
	}
	if message.TaskID != nil {
		payload["taskId"] = *message.TaskID
	}
	if message.FileURL != nil {
		payload["fileUrl"] = *message.FileURL
	}
	return payload
}
