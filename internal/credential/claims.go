package credential

import (
	"errors"
	"fmt"
	"strings"

	"dexhub.org/internal/access"
	"dexhub.org/internal/directory"
)

// Item-identifier type codes embedded in the `iid` claim.
const (
	CodeResourceServer = "rs"
	CodeResourceItem   = "ri"
	CodeResourceGroup  = "rg"
	CodePlatform       = "cos"
)

// ItemTag is the reversible composite `{code}:{id}` identifying what a
// credential was issued for.
type ItemTag struct {
	Code string
	ID   string
}

func (t ItemTag) String() string {
	return t.Code + ":" + t.ID
}

// TagFor builds the tag for a decided item.
func TagFor(itemType access.ItemType, itemID string) (ItemTag, error) {
	code, ok := codeFor(itemType)
	if !ok {
		return ItemTag{}, fmt.Errorf("credential: no tag code for item type %q", itemType)
	}
	if itemID == "" {
		return ItemTag{}, errors.New("credential: empty item id")
	}
	return ItemTag{Code: code, ID: itemID}, nil
}

func codeFor(itemType access.ItemType) (string, bool) {
	switch itemType {
	case access.ItemResourceServer:
		return CodeResourceServer, true
	case access.ItemResource:
		return CodeResourceItem, true
	case access.ItemResourceGroup:
		return CodeResourceGroup, true
	case access.ItemPlatform:
		return CodePlatform, true
	default:
		return "", false
	}
}

// ParseItemTag reverses TagFor. The id part may itself contain colons (it is
// a URL for resource-server tags), so only the first separator counts.
func ParseItemTag(raw string) (ItemTag, error) {
	code, id, found := strings.Cut(raw, ":")
	if !found || id == "" {
		return ItemTag{}, fmt.Errorf("credential: malformed item tag %q", raw)
	}
	switch code {
	case CodeResourceServer, CodeResourceItem, CodeResourceGroup, CodePlatform:
		return ItemTag{Code: code, ID: id}, nil
	default:
		return ItemTag{}, fmt.Errorf("credential: unknown item tag code %q", code)
	}
}

// ItemType maps the tag back to the decided item type.
func (t ItemTag) ItemType() access.ItemType {
	switch t.Code {
	case CodeResourceServer:
		return access.ItemResourceServer
	case CodeResourceItem:
		return access.ItemResource
	case CodeResourceGroup:
		return access.ItemResourceGroup
	case CodePlatform:
		return access.ItemPlatform
	default:
		return ""
	}
}

// Claims is the decoded claim set of an issued credential. Identity/resource
// tokens carry iid/role/cons; APD-interaction tokens carry sid/link instead.
type Claims struct {
	Subject   string `json:"sub"`
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`

	ItemTag     string         `json:"iid,omitempty"`
	Role        string         `json:"role,omitempty"`
	Constraints map[string]any `json:"cons,omitempty"`

	ResourceGroupID string         `json:"rg,omitempty"`
	DelegatorID     string         `json:"did,omitempty"`
	DelegatedRole   string         `json:"drl,omitempty"`
	APDConstraints  map[string]any `json:"apd,omitempty"`

	SessionID string `json:"sid,omitempty"`
	Link      string `json:"link,omitempty"`

	UserInfo *directory.Profile `json:"userInfo,omitempty"`
}

// IsInteraction reports whether this is an APD-interaction credential.
func (c Claims) IsInteraction() bool {
	return c.SessionID != "" && c.ItemTag == ""
}
