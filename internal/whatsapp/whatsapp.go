// Package whatsapp wraps the Whatsmeow client as a native delivery backend.
//
// It implements the provider Sender and Directory contracts for deployments
// that run their own WhatsApp session instead of an Evolution API server.
// One client is one logged-in session, so the instance identifier passed on
// each call is informational only.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/Cunhov/evodash-v2-sub000/internal/models"
	"github.com/Cunhov/evodash-v2-sub000/internal/provider"
	"github.com/Cunhov/evodash-v2-sub000/internal/store"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow session database
	DefaultSQLitePath = "/var/lib/evodash/whatsmeow.db"
	// GroupJIDSuffix is the WhatsApp JID suffix for groups
	GroupJIDSuffix = "g.us"
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow session database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the client to print a numeric login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Compile-time checks that Client implements both provider contracts.
var (
	_ provider.Sender    = (*Client)(nil)
	_ provider.Directory = (*Client)(nil)
)

// Client wraps the Whatsmeow client for modular use.
type Client struct {
	waClient *whatsmeow.Client
}

// NewClient creates a new WhatsApp client, logging in if no session exists yet.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No whatsmeow database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	var dbDriver string
	if store.DetectDSNType(dbDSN) == "postgres" {
		dbDriver = "postgres"
	} else {
		dbDriver = "sqlite3"
		// whatsmeow strongly recommends foreign keys on SQLite sessions.
		if !strings.Contains(dbDSN, "foreign_keys") {
			slog.Warn("SQLite DSN for whatsmeow has no foreign keys option; consider appending '?_foreign_keys=on'",
				"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
		}
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize whatsmeow database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from whatsmeow store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Debug("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		if err := waClient.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient}, nil
}

// Disconnect closes the WhatsApp session.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// SendMessage delivers a message spec to a group JID. Kinds that require the
// provider to fetch binary content from a URL (media, audio) and the
// Evolution-specific pix button are not expressible over a raw session and
// return provider.ErrUnsupportedKind.
func (c *Client) SendMessage(ctx context.Context, instance, to string, spec models.MessageSpec, mentionEveryone bool) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}

	jid, err := parseGroupJID(to)
	if err != nil {
		return err
	}
	if mentionEveryone {
		// Mentioning every participant needs a context-info mention list;
		// only the HTTP backend builds those server-side.
		slog.Debug("whatsapp.SendMessage: mentionEveryone ignored on native backend", "to", to)
	}

	msg, err := c.buildMessage(spec)
	if err != nil {
		return err
	}

	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("whatsapp.SendMessage sent", "instance", instance, "to", to, "kind", spec.Kind)
	return nil
}

// buildMessage maps a spec onto the wire proto. The switch is exhaustive
// over message kinds.
func (c *Client) buildMessage(spec models.MessageSpec) (*waE2E.Message, error) {
	switch spec.Kind {
	case models.MessageKindText:
		return &waE2E.Message{Conversation: proto.String(spec.Text.Body)}, nil

	case models.MessageKindPoll:
		selectable := spec.Poll.MaxSelections
		if selectable <= 0 {
			selectable = 1
		}
		return c.waClient.BuildPollCreation(spec.Poll.Question, spec.Poll.Options, selectable), nil

	case models.MessageKindLocation:
		return &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
			DegreesLatitude:  proto.Float64(spec.Location.Latitude),
			DegreesLongitude: proto.Float64(spec.Location.Longitude),
			Name:             proto.String(spec.Location.Name),
			Address:          proto.String(spec.Location.Address),
		}}, nil

	case models.MessageKindContact:
		return &waE2E.Message{ContactMessage: &waE2E.ContactMessage{
			DisplayName: proto.String(spec.Contact.DisplayName),
			Vcard:       proto.String(buildVCard(spec.Contact)),
		}}, nil

	case models.MessageKindMedia, models.MessageKindAudio, models.MessageKindPix:
		return nil, fmt.Errorf("%w: %s", provider.ErrUnsupportedKind, spec.Kind)

	default:
		return nil, models.ErrInvalidMessageKind
	}
}

// ListGroups returns the joined groups of the session as the live directory.
// Participant count stands in for group size.
func (c *Client) ListGroups(ctx context.Context, instance string) ([]models.Group, error) {
	if c.waClient == nil {
		return nil, fmt.Errorf("whatsapp client not initialized")
	}
	infos, err := c.waClient.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch joined groups: %w", err)
	}
	groups := make([]models.Group, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, models.Group{
			ID:      info.JID.String(),
			Subject: info.Name,
			Size:    len(info.Participants),
		})
	}
	slog.Debug("whatsapp.ListGroups", "instance", instance, "count", len(groups))
	return groups, nil
}

// parseGroupJID accepts either a full JID ("123@g.us") or a bare group ID.
func parseGroupJID(to string) (types.JID, error) {
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid recipient JID %q: %w", to, err)
		}
		return jid, nil
	}
	return types.NewJID(to, GroupJIDSuffix), nil
}

func buildVCard(c *models.ContactSpec) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCARD\nVERSION:3.0\n")
	b.WriteString("FN:" + c.DisplayName + "\n")
	b.WriteString("TEL;type=CELL;waid=" + strings.TrimPrefix(c.Phone, "+") + ":" + c.Phone + "\n")
	b.WriteString("END:VCARD")
	return b.String()
}
