package dashboard

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"whatsapp-hub/types"
	"whatsapp-hub/utils"
	"whatsapp-hub/whatsapp"
)

func runtimeStats() utils.RuntimeStats {
	return utils.GetRuntimeStats()
}

func (s *Server) listInstances(c echo.Context) error {
	states, err := s.deps.Registry.List(c.Request().Context())
	if err != nil {
		return err
	}
	return ok(c, states)
}

func (s *Server) createInstance(c echo.Context) error {
	var req whatsapp.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "unable to parse instance")
	}
	if strings.TrimSpace(req.Phone) == "" {
		return badRequest(c, "phone is required")
	}
	bot, err := s.deps.Registry.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return created(c, bot.State())
}

func (s *Server) getInstance(c echo.Context) error {
	state, err := s.deps.Registry.GetByPhone(c.Request().Context(), c.Param("phone"))
	if err != nil {
		return err
	}
	return ok(c, state)
}

func (s *Server) deleteInstance(c echo.Context) error {
	if err := s.deps.Registry.Delete(c.Request().Context(), c.Param("phone")); err != nil {
		return err
	}
	return ok(c, nil)
}

func (s *Server) restartInstance(c echo.Context) error {
	ctx := c.Request().Context()
	phone := c.Param("phone")
	if err := s.deps.Registry.Restart(ctx, phone); err != nil {
		return err
	}
	state, err := s.deps.Registry.GetByPhone(ctx, phone)
	if err != nil {
		return err
	}
	return ok(c, state)
}

func (s *Server) bot(c echo.Context) (*whatsapp.Bot, error) {
	bot, found := s.deps.Registry.GetBot(c.Param("phone"))
	if !found {
		return nil, whatsapp.ErrNotFound
	}
	return bot, nil
}

func (s *Server) listMessages(c echo.Context) error {
	ctx := c.Request().Context()
	state, err := s.deps.Registry.GetByPhone(ctx, c.Param("phone"))
	if err != nil {
		return err
	}
	msgs, err := s.deps.Messages.ListByInstance(ctx, state.ID, parseLimit(c, 50))
	if err != nil {
		return err
	}
	return ok(c, msgs)
}

type textPayload struct {
	To       string   `json:"to"`
	Text     string   `json:"text"`
	Mentions []string `json:"mentions"`
}

func (s *Server) sendMessage(c echo.Context) error {
	var p textPayload
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "unable to parse message")
	}
	if p.To == "" || p.Text == "" {
		return badRequest(c, "to and text are required")
	}
	bot, err := s.bot(c)
	if err != nil {
		return err
	}
	msg, err := bot.SendMessage(c.Request().Context(), p.To, p.Text)
	if err != nil {
		return err
	}
	return ok(c, msg)
}

func (s *Server) sendGroupMessage(c echo.Context) error {
	var p textPayload
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "unable to parse message")
	}
	if p.Text == "" {
		return badRequest(c, "text is required")
	}
	bot, err := s.bot(c)
	if err != nil {
		return err
	}
	msg, err := bot.SendGroupMessage(c.Request().Context(), c.Param("group"), p.Text, p.Mentions...)
	if err != nil {
		return err
	}
	return ok(c, msg)
}

// mediaPayload carries the attachment base64 encoded in data.
type mediaPayload struct {
	To       string            `json:"to"`
	Type     types.MessageType `json:"type"`
	Data     []byte            `json:"data"`
	MimeType string            `json:"mimetype"`
	Caption  string            `json:"caption"`
	FileName string            `json:"fileName"`
	PTT      bool              `json:"ptt"`
}

func (s *Server) sendMedia(c echo.Context) error {
	var p mediaPayload
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "unable to parse media")
	}
	if p.To == "" || len(p.Data) == 0 {
		return badRequest(c, "to and data are required")
	}
	bot, err := s.bot(c)
	if err != nil {
		return err
	}
	msg, err := bot.SendMediaMessage(c.Request().Context(), p.To, whatsapp.Media{
		Kind:     p.Type,
		Data:     p.Data,
		MimeType: p.MimeType,
		Caption:  p.Caption,
		FileName: p.FileName,
		PTT:      p.PTT,
	})
	if err != nil {
		return err
	}
	return ok(c, msg)
}

type webhookPayload struct {
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Headers map[string]string `json:"headers"`
	Secret  string            `json:"secret"`
	Enabled *bool             `json:"enabled"`
}

func (s *Server) listWebhooks(c echo.Context) error {
	ctx := c.Request().Context()
	state, err := s.deps.Registry.GetByPhone(ctx, c.Param("phone"))
	if err != nil {
		return err
	}
	hooks, err := s.deps.Webhooks.List(ctx, state.ID)
	if err != nil {
		return err
	}
	return ok(c, hooks)
}

func (s *Server) createWebhook(c echo.Context) error {
	var p webhookPayload
	if err := c.Bind(&p); err != nil {
		return badRequest(c, "unable to parse webhook")
	}
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return badRequest(c, "url must be http or https")
	}
	ctx := c.Request().Context()
	state, err := s.deps.Registry.GetByPhone(ctx, c.Param("phone"))
	if err != nil {
		return err
	}

	events := "*"
	if len(p.Events) > 0 {
		events = strings.Join(p.Events, ",")
	}
	var headers []string
	for k, v := range p.Headers {
		headers = append(headers, k+": "+v)
	}
	hook := &types.Webhook{
		InstanceID: state.ID,
		URL:        p.URL,
		Events:     events,
		Headers:    strings.Join(headers, "\n"),
		Secret:     p.Secret,
		Enabled:    p.Enabled == nil || *p.Enabled,
	}
	if err := s.deps.Webhooks.Create(ctx, hook); err != nil {
		return err
	}
	return created(c, hook)
}

func parseID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) deleteWebhook(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return badRequest(c, "invalid webhook id")
	}
	if err := s.deps.Webhooks.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return ok(c, nil)
}

func (s *Server) webhookHistory(c echo.Context) error {
	id, valid := parseID(c)
	if !valid {
		return badRequest(c, "invalid webhook id")
	}
	rows, err := s.deps.History.ListByWebhook(c.Request().Context(), id, parseLimit(c, 50))
	if err != nil {
		return err
	}
	return ok(c, rows)
}
