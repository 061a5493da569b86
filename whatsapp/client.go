package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	wtypes "go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-hub/plugins"
	"whatsapp-hub/types"
	"whatsapp-hub/utils"
)

var errQRTimeout = errors.New("pairing code was not scanned in time")

// MeowFactory opens whatsmeow clients backed by one device container.
type MeowFactory struct {
	container *sqlstore.Container
	log       waLog.Logger
}

func NewMeowFactory(container *sqlstore.Container, log waLog.Logger) *MeowFactory {
	return &MeowFactory{container: container, log: log}
}

func (f *MeowFactory) Open(ctx context.Context, inst *types.Instance, emit func(SocketEvent)) (Socket, error) {
	device, err := loadDevice(ctx, f.container, inst.DeviceJID)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, f.log.Sub(inst.Phone))
	// reconnect policy belongs to the controller
	client.EnableAutoReconnect = false

	life, cancel := context.WithCancel(context.Background())
	s := &meowClient{client: client, emit: emit, life: life, cancel: cancel}
	client.AddEventHandler(s.handle)
	return s, nil
}

// RemoveAuth deletes the stored device of inst. Logging out already does
// this, so a missing device is not an error.
func (f *MeowFactory) RemoveAuth(ctx context.Context, inst *types.Instance) error {
	return deleteDevice(ctx, f.container, inst.DeviceJID)
}

func (f *MeowFactory) Close() error {
	return f.container.Close()
}

type meowClient struct {
	client *whatsmeow.Client
	emit   func(SocketEvent)

	life      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *meowClient) Connect(ctx context.Context) error {
	if s.client.Store.ID != nil {
		return s.client.Connect()
	}

	qrChan, err := s.client.GetQRChannel(s.life)
	if err != nil {
		return fmt.Errorf("qr channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return err
	}
	go s.pair(qrChan)
	return nil
}

func (s *meowClient) pair(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			s.emit(&ConnectionUpdate{Connection: ConnConnecting, QR: item.Code})
		case "success":
			// Connected follows as a regular event
		case "timeout":
			s.emit(&ConnectionUpdate{Connection: ConnClose, Err: errQRTimeout})
		default:
			err := item.Error
			if err == nil {
				err = fmt.Errorf("pairing failed: %s", item.Event)
			}
			s.emit(&ConnectionUpdate{Connection: ConnClose, Err: err})
		}
	}
}

func (s *meowClient) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		s.emit(&ConnectionUpdate{Connection: ConnOpen})
	case *events.Disconnected:
		s.emit(&ConnectionUpdate{Connection: ConnClose, Err: errors.New("connection lost")})
	case *events.StreamReplaced:
		s.emit(&ConnectionUpdate{Connection: ConnClose, Err: errors.New("stream replaced by another client")})
	case *events.ConnectFailure:
		s.emit(&ConnectionUpdate{
			Connection: ConnClose,
			LoggedOut:  v.Reason.IsLoggedOut(),
			Err:        fmt.Errorf("connect failure: %v", v.Reason),
		})
	case *events.LoggedOut:
		s.emit(&ConnectionUpdate{Connection: ConnClose, LoggedOut: true, Err: fmt.Errorf("logged out: %v", v.Reason)})
	case *events.PairSuccess:
		s.emit(&CredsUpdate{JID: v.ID.String()})
	case *events.Message:
		if v.Message == nil {
			return
		}
		s.emit(&MessagesUpsert{Messages: []plugins.InboundMessage{toInbound(v)}})
	case *events.GroupInfo:
		for _, change := range []struct {
			action string
			jids   []wtypes.JID
		}{
			{plugins.ActionAdd, v.Join},
			{plugins.ActionRemove, v.Leave},
			{plugins.ActionPromote, v.Promote},
			{plugins.ActionDemote, v.Demote},
		} {
			if len(change.jids) == 0 {
				continue
			}
			s.emit(&GroupParticipantsUpdate{plugins.ParticipantsUpdate{
				Group:        v.JID.String(),
				Participants: jidStrings(change.jids),
				Action:       change.action,
			}})
		}
	}
}

func toInbound(v *events.Message) plugins.InboundMessage {
	return plugins.InboundMessage{
		ID:        v.Info.ID,
		Chat:      v.Info.Chat.String(),
		Sender:    v.Info.Sender.ToNonAD().String(),
		PushName:  v.Info.PushName,
		FromMe:    v.Info.IsFromMe,
		IsGroup:   v.Info.IsGroup,
		Type:      messageType(v),
		Text:      utils.MessageText(v.Message),
		Timestamp: v.Info.Timestamp,
	}
}

func messageType(v *events.Message) types.MessageType {
	m := v.Message
	switch {
	case m.GetConversation() != "" || m.GetExtendedTextMessage() != nil:
		return types.TextMessage
	case m.GetImageMessage() != nil:
		return types.ImageMessage
	case m.GetVideoMessage() != nil:
		return types.VideoMessage
	case m.GetAudioMessage() != nil:
		return types.AudioMessage
	case m.GetDocumentMessage() != nil:
		return types.DocumentMessage
	case m.GetStickerMessage() != nil:
		return types.StickerMessage
	}
	return types.OtherMessage
}

func jidStrings(jids []wtypes.JID) []string {
	out := make([]string, len(jids))
	for i, j := range jids {
		out[i] = j.String()
	}
	return out
}

func (s *meowClient) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.client.Disconnect()
	})
}

func (s *meowClient) Logout(ctx context.Context) error {
	if s.client.Store.ID == nil {
		return nil
	}
	return s.client.Logout(ctx)
}

func (s *meowClient) SelfJID() string {
	if id := s.client.Store.ID; id != nil {
		return id.ToNonAD().String()
	}
	return ""
}

func (s *meowClient) SendText(ctx context.Context, to, text string, mentions []string) (SendResult, error) {
	jid, err := wtypes.ParseJID(to)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	resp, err := s.client.SendMessage(ctx, jid, utils.CreateTextMessage(text, mentions...))
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (s *meowClient) SendMedia(ctx context.Context, to string, media Media) (SendResult, error) {
	jid, err := wtypes.ParseJID(to)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}

	var kind whatsmeow.MediaType
	switch media.Kind {
	case types.ImageMessage:
		kind = whatsmeow.MediaImage
	case types.VideoMessage:
		kind = whatsmeow.MediaVideo
	case types.AudioMessage:
		kind = whatsmeow.MediaAudio
	case types.DocumentMessage:
		kind = whatsmeow.MediaDocument
	default:
		return SendResult{}, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, media.Kind)
	}

	uploaded, err := s.client.Upload(ctx, media.Data, kind)
	if err != nil {
		return SendResult{}, fmt.Errorf("upload: %w", err)
	}

	msg := utils.CreateDocumentMessage(media.Caption, media.FileName, uploaded, media.Data, media.MimeType)
	switch media.Kind {
	case types.ImageMessage:
		msg = utils.CreateImageMessage(media.Caption, uploaded, media.Data, media.MimeType)
	case types.VideoMessage:
		msg = utils.CreateVideoMessage(media.Caption, uploaded, media.Data, media.MimeType)
	case types.AudioMessage:
		msg = utils.CreateAudioMessage(uploaded, media.Data, media.MimeType, media.PTT)
	}

	resp, err := s.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (s *meowClient) GroupMetadata(ctx context.Context, group string) (*plugins.GroupInfo, error) {
	jid, err := wtypes.ParseJID(group)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	info, err := s.client.GetGroupInfo(jid)
	if err != nil {
		return nil, err
	}
	out := &plugins.GroupInfo{JID: info.JID.String(), Name: info.Name}
	for _, p := range info.Participants {
		member := p.JID
		if member.Server == wtypes.HiddenUserServer && !p.PhoneNumber.IsEmpty() {
			member = p.PhoneNumber
		}
		out.Members = append(out.Members, plugins.GroupMember{
			JID:     member.String(),
			IsAdmin: p.IsAdmin || p.IsSuperAdmin,
		})
	}
	return out, nil
}
