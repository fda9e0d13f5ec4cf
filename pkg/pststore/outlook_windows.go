//go:build windows

package pststore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/mailport/mailport/pkg/fileutil"
	"github.com/mailport/mailport/pkg/logging"
)

// MAPI property tags set for import fidelity.
const (
	prTransportMessageHeadersW = "http://schemas.microsoft.com/mapi/proptag/0x007D001F"
	prTransportMessageHeadersA = "http://schemas.microsoft.com/mapi/proptag/0x007D001E"
	prMessageDeliveryTime      = "http://schemas.microsoft.com/mapi/proptag/0x0E060040"
	prClientSubmitTime         = "http://schemas.microsoft.com/mapi/proptag/0x00390040"
	prInternetMessageID        = "http://schemas.microsoft.com/mapi/proptag/0x1035001E"
	prSenderName               = "http://schemas.microsoft.com/mapi/proptag/0x0C1A001E"
	prSenderEmailAddress       = "http://schemas.microsoft.com/mapi/proptag/0x0C1F001E"
	prSenderAddrType           = "http://schemas.microsoft.com/mapi/proptag/0x0C1E001E"
	prSentRepresentingName     = "http://schemas.microsoft.com/mapi/proptag/0x0042001E"
	prSentRepresentingEmail    = "http://schemas.microsoft.com/mapi/proptag/0x0065001E"
	prAttachContentID          = "http://schemas.microsoft.com/mapi/proptag/0x3712001E"
	prAttachFlags              = "http://schemas.microsoft.com/mapi/proptag/0x37140003"
)

const (
	olMailItem    = 0 // Items.Add type for a mail item
	oleUnicodePST = 2 // AddStoreEx store type
)

// OutlookBridge drives a local Outlook installation over COM automation.
// Outlook must be installed with a default MAPI profile that opens without
// prompts; "Work Offline" during the import is recommended. All calls must
// come from the goroutine that created the bridge (the COM apartment is
// thread-affine).
type OutlookBridge struct {
	app     *ole.IDispatch
	ns      *ole.IDispatch
	tempDir string
}

type outlookContainer struct {
	path  string
	store *ole.IDispatch
	root  *ole.IDispatch
}

func (c *outlookContainer) Path() string { return c.path }

type outlookFolder struct {
	name string
	disp *ole.IDispatch
}

func (f *outlookFolder) Name() string { return f.name }

// NewOutlookBridge starts (or connects to) Outlook and logs on to the
// default MAPI profile without UI.
func NewOutlookBridge() (*OutlookBridge, error) {
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		// Already-initialized apartments report S_FALSE, which go-ole
		// surfaces as an OleError with a zero code on some versions.
		if oerr, ok := err.(*ole.OleError); !ok || oerr.Code() != 1 {
			return nil, fmt.Errorf("initialize COM: %w", err)
		}
	}

	unknown, err := oleutil.CreateObject("Outlook.Application")
	if err != nil {
		return nil, fmt.Errorf("start Outlook: %w", err)
	}
	app, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("query Outlook dispatch: %w", err)
	}

	nsVar, err := oleutil.CallMethod(app, "GetNamespace", "MAPI")
	if err != nil {
		app.Release()
		return nil, fmt.Errorf("get MAPI namespace: %w", wrapBusy(err))
	}
	ns := nsVar.ToIDispatch()

	if _, err := oleutil.CallMethod(ns, "Logon", "", "", false, true); err != nil {
		ns.Release()
		app.Release()
		return nil, fmt.Errorf("logon to default profile: %w", wrapBusy(err))
	}

	tempDir, err := os.MkdirTemp("", "mailport-att-*")
	if err != nil {
		ns.Release()
		app.Release()
		return nil, fmt.Errorf("create attachment temp dir: %w", err)
	}

	return &OutlookBridge{app: app, ns: ns, tempDir: tempDir}, nil
}

// Close releases the automation handles. Containers must be detached
// first.
func (b *OutlookBridge) Close() {
	os.RemoveAll(b.tempDir)
	if b.ns != nil {
		b.ns.Release()
	}
	if b.app != nil {
		b.app.Release()
	}
	ole.CoUninitialize()
}

// wrapBusy converts COM call-rejected failures into ErrBusy so the
// manager's retry policy applies.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	// RPC_E_CALL_REJECTED / RPC_E_SERVERCALL_RETRYLATER
	if strings.Contains(msg, "80010001") || strings.Contains(msg, "8001010a") {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

// CreateContainer creates and attaches a Unicode PST at path.
func (b *OutlookBridge) CreateContainer(ctx context.Context, path string) (Container, error) {
	return b.attach(ctx, path)
}

// OpenContainer attaches an existing PST at path. AddStoreEx attaches an
// existing file untouched, which is what supports crash resume.
func (b *OutlookBridge) OpenContainer(ctx context.Context, path string) (Container, error) {
	return b.attach(ctx, path)
}

func (b *OutlookBridge) attach(ctx context.Context, path string) (Container, error) {
	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}

	if _, err := oleutil.CallMethod(b.ns, "AddStoreEx", path, oleUnicodePST); err != nil {
		// Older Outlook builds without AddStoreEx
		if _, err2 := oleutil.CallMethod(b.ns, "AddStore", path); err2 != nil {
			return nil, fmt.Errorf("attach store %s: %w", path, wrapBusy(err))
		}
	}

	// Outlook attaches the store asynchronously; poll the Stores
	// collection until the path shows up.
	for attempt := 0; attempt < 20; attempt++ {
		store, err := b.findStoreByPath(path)
		if err != nil {
			return nil, err
		}
		if store != nil {
			rootVar, err := oleutil.CallMethod(store, "GetRootFolder")
			if err != nil {
				store.Release()
				return nil, fmt.Errorf("get root folder of %s: %w", path, wrapBusy(err))
			}
			return &outlookContainer{path: path, store: store, root: rootVar.ToIDispatch()}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("store %s did not appear after attach", path)
}

// findStoreByPath scans ns.Stores for a store whose FilePath matches.
func (b *OutlookBridge) findStoreByPath(path string) (*ole.IDispatch, error) {
	storesVar, err := oleutil.GetProperty(b.ns, "Stores")
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", wrapBusy(err))
	}
	stores := storesVar.ToIDispatch()
	defer stores.Release()

	countVar, err := oleutil.GetProperty(stores, "Count")
	if err != nil {
		return nil, fmt.Errorf("count stores: %w", wrapBusy(err))
	}
	count := int(countVar.Val)

	want := normPath(path)
	for i := 1; i <= count; i++ {
		itemVar, err := oleutil.CallMethod(stores, "Item", i)
		if err != nil {
			continue
		}
		store := itemVar.ToIDispatch()
		fpVar, err := oleutil.GetProperty(store, "FilePath")
		if err != nil {
			store.Release()
			continue
		}
		if normPath(fpVar.ToString()) == want {
			return store, nil
		}
		store.Release()
	}
	return nil, nil
}

func normPath(p string) string {
	return strings.ToLower(filepath.Clean(p))
}

// CreateFolder returns the named folder under the container root,
// creating it on first use.
func (b *OutlookBridge) CreateFolder(ctx context.Context, c Container, name string) (Folder, error) {
	oc, ok := c.(*outlookContainer)
	if !ok {
		return nil, fmt.Errorf("foreign container handle %T", c)
	}

	foldersVar, err := oleutil.GetProperty(oc.root, "Folders")
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", wrapBusy(err))
	}
	folders := foldersVar.ToIDispatch()
	defer folders.Release()

	if itemVar, err := oleutil.CallMethod(folders, "Item", name); err == nil {
		return &outlookFolder{name: name, disp: itemVar.ToIDispatch()}, nil
	}
	addVar, err := oleutil.CallMethod(folders, "Add", name)
	if err != nil {
		return nil, fmt.Errorf("add folder %q: %w", name, wrapBusy(err))
	}
	return &outlookFolder{name: name, disp: addVar.ToIDispatch()}, nil
}

// AddItemDirect creates a MailItem directly in the folder's Items
// collection with Items.Add(olMailItem). Using the generic
// Application.CreateItem instead would save the new item into the default
// profile's Drafts folder, which is exactly the behavior this importer
// exists to avoid.
func (b *OutlookBridge) AddItemDirect(ctx context.Context, f Folder, raw []byte) (string, error) {
	of, ok := f.(*outlookFolder)
	if !ok {
		return "", fmt.Errorf("foreign folder handle %T", f)
	}

	msg, err := parseMessage(raw)
	if err != nil {
		return "", fmt.Errorf("parse message: %w", err)
	}

	itemsVar, err := oleutil.GetProperty(of.disp, "Items")
	if err != nil {
		return "", fmt.Errorf("folder items: %w", wrapBusy(err))
	}
	items := itemsVar.ToIDispatch()
	defer items.Release()

	itemVar, err := oleutil.CallMethod(items, "Add", olMailItem)
	if err != nil {
		return "", fmt.Errorf("add mail item: %w", wrapBusy(err))
	}
	item := itemVar.ToIDispatch()
	defer item.Release()

	b.applyFields(item, msg, raw)

	if _, err := oleutil.CallMethod(item, "Save"); err != nil {
		return "", fmt.Errorf("save item: %w", wrapBusy(err))
	}

	id := ""
	if idVar, err := oleutil.GetProperty(item, "EntryID"); err == nil {
		id = idVar.ToString()
	}
	return id, nil
}

// applyFields maps parsed message fields onto the MailItem. Individual
// property failures are tolerated; fidelity properties are best effort.
func (b *OutlookBridge) applyFields(item *ole.IDispatch, msg *parsedMessage, raw []byte) {
	log := logging.WithPhase("import")

	var pa *ole.IDispatch
	if paVar, err := oleutil.GetProperty(item, "PropertyAccessor"); err == nil {
		pa = paVar.ToIDispatch()
		defer pa.Release()
	}

	setProp := func(tag string, value interface{}) {
		if pa == nil {
			return
		}
		if _, err := oleutil.CallMethod(pa, "SetProperty", tag, value); err != nil {
			log.Debug().Str("tag", tag).Err(err).Msg("skipping MAPI property")
		}
	}

	// Raw transport headers first
	if msg.headerText != "" {
		if pa != nil {
			if _, err := oleutil.CallMethod(pa, "SetProperty", prTransportMessageHeadersW, msg.headerText); err != nil {
				setProp(prTransportMessageHeadersA, msg.headerText)
			}
		}
	}

	oleutil.PutProperty(item, "Subject", msg.subject)
	oleutil.PutProperty(item, "To", msg.to)
	oleutil.PutProperty(item, "CC", msg.cc)
	oleutil.PutProperty(item, "BCC", msg.bcc)

	if msg.fromAddr != "" || msg.fromName != "" {
		display := msg.fromName
		if display == "" {
			display = msg.fromAddr
		}
		setProp(prSenderName, display)
		setProp(prSenderEmailAddress, msg.fromAddr)
		setProp(prSenderAddrType, "SMTP")
		setProp(prSentRepresentingName, display)
		setProp(prSentRepresentingEmail, msg.fromAddr)
	}
	if msg.messageID != "" {
		setProp(prInternetMessageID, msg.messageID)
	}
	if !msg.date.IsZero() {
		d := oleDate(msg.date)
		oleutil.PutProperty(item, "SentOn", d)
		setProp(prMessageDeliveryTime, d)
		setProp(prClientSubmitTime, d)
	}

	if msg.html != "" {
		oleutil.PutProperty(item, "HTMLBody", msg.html)
	} else {
		oleutil.PutProperty(item, "Body", msg.text)
	}

	b.addAttachments(item, msg)
}

// addAttachments stages each attachment to a temp file and adds it via
// Attachments.Add. Failures skip the attachment, not the item.
func (b *OutlookBridge) addAttachments(item *ole.IDispatch, msg *parsedMessage) {
	if len(msg.attachments) == 0 {
		return
	}
	log := logging.WithPhase("import")

	attVar, err := oleutil.GetProperty(item, "Attachments")
	if err != nil {
		return
	}
	atts := attVar.ToIDispatch()
	defer atts.Release()

	for i, a := range msg.attachments {
		name := a.filename
		if name == "" {
			ext := ".bin"
			if exts, _ := mime.ExtensionsByType(a.contentType); len(exts) > 0 {
				ext = exts[0]
			}
			name = fmt.Sprintf("attachment%d%s", i+1, ext)
		}
		tmp := filepath.Join(b.tempDir, fmt.Sprintf("att_%d_%s", time.Now().UnixNano(), name))
		if err := os.WriteFile(tmp, a.content, 0o600); err != nil {
			log.Warn().Err(err).Str("attachment", name).Msg("skipping attachment")
			continue
		}

		addVar, err := oleutil.CallMethod(atts, "Add", tmp)
		os.Remove(tmp)
		if err != nil {
			log.Warn().Err(err).Str("attachment", name).Msg("skipping attachment")
			continue
		}
		added := addVar.ToIDispatch()
		if a.contentID != "" {
			if paVar, err := oleutil.GetProperty(added, "PropertyAccessor"); err == nil {
				pa := paVar.ToIDispatch()
				oleutil.CallMethod(pa, "SetProperty", prAttachContentID, a.contentID)
				oleutil.CallMethod(pa, "SetProperty", prAttachFlags, 0)
				pa.Release()
			}
		}
		added.Release()
	}
}

// FolderItemCount reads Items.Count.
func (b *OutlookBridge) FolderItemCount(ctx context.Context, f Folder) (int, error) {
	of, ok := f.(*outlookFolder)
	if !ok {
		return 0, fmt.Errorf("foreign folder handle %T", f)
	}
	itemsVar, err := oleutil.GetProperty(of.disp, "Items")
	if err != nil {
		return 0, wrapBusy(err)
	}
	items := itemsVar.ToIDispatch()
	defer items.Release()

	countVar, err := oleutil.GetProperty(items, "Count")
	if err != nil {
		return 0, wrapBusy(err)
	}
	return int(countVar.Val), nil
}

// Detach removes the store from the profile so Outlook writes the PST out
// and the OS reports its real size. The file is never deleted.
func (b *OutlookBridge) Detach(ctx context.Context, c Container) error {
	oc, ok := c.(*outlookContainer)
	if !ok {
		return fmt.Errorf("foreign container handle %T", c)
	}
	if _, err := oleutil.CallMethod(b.ns, "RemoveStore", oc.root); err != nil {
		return wrapBusy(err)
	}
	oc.root.Release()
	oc.store.Release()
	return nil
}

var oleEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// oleDate converts a time to the OLE automation date format (fractional
// days since 1899-12-30).
func oleDate(t time.Time) float64 {
	return float64(t.UTC().Sub(oleEpoch)) / float64(24*time.Hour)
}

// parsedMessage is the subset of an RFC822 message the bridge maps onto
// a MailItem.
type parsedMessage struct {
	subject     string
	to, cc, bcc string
	fromName    string
	fromAddr    string
	messageID   string
	date        time.Time
	html        string
	text        string
	headerText  string
	attachments []attachment
}

type attachment struct {
	filename    string
	contentType string
	contentID   string
	content     []byte
}

// parseMessage extracts the fields above using go-message. Messages with
// an unparsable structure fail ErrItemCreation upstream.
func parseMessage(raw []byte) (*parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	pm := &parsedMessage{headerText: headerBlock(raw)}

	h := mr.Header
	pm.subject, _ = h.Subject()
	pm.to = addressList(h, "To")
	pm.cc = addressList(h, "Cc")
	pm.bcc = addressList(h, "Bcc")
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		pm.fromName = from[0].Name
		pm.fromAddr = from[0].Address
	}
	if id, err := h.MessageID(); err == nil {
		pm.messageID = "<" + id + ">"
	}
	if d, err := h.Date(); err == nil {
		pm.date = d
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep what parsed so far; a broken trailing part should not
			// reject the whole item
			break
		}
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch ct {
			case "text/html":
				if pm.html == "" {
					pm.html = string(body)
				}
			case "text/plain":
				if pm.text == "" {
					pm.text = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			cid := strings.Trim(ph.Get("Content-Id"), "<>")
			content, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			pm.attachments = append(pm.attachments, attachment{
				filename:    filename,
				contentType: ct,
				contentID:   cid,
				content:     content,
			})
		}
	}
	return pm, nil
}

// addressList renders a header address list as "Name <addr>; ...".
func addressList(h mail.Header, field string) string {
	addrs, err := h.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		switch {
		case a.Name != "" && a.Address != "":
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		case a.Address != "":
			parts = append(parts, a.Address)
		case a.Name != "":
			parts = append(parts, a.Name)
		}
	}
	return strings.Join(parts, "; ")
}

// headerBlock returns the raw header section (up to the first blank line),
// capped at 128 KiB for messages without one.
func headerBlock(raw []byte) string {
	end := bytes.Index(raw, []byte("\r\n\r\n"))
	if end == -1 {
		end = bytes.Index(raw, []byte("\n\n"))
	}
	if end == -1 {
		end = len(raw)
		if end > 128*1024 {
			end = 128 * 1024
		}
	}
	return string(raw[:end])
}
