package domain

// Core classes every workspace model starts from.
const (
	ClassDoc         Ref = "core:class:Doc"
	ClassAttachedDoc Ref = "core:class:AttachedDoc"
	ClassSpace       Ref = "core:class:Space"
	ClassSequence    Ref = "core:class:Sequence"
	ClassUserStatus  Ref = "core:class:UserStatus"
	ClassTrigger     Ref = "core:class:Trigger"
	ClassTx          Ref = "core:class:Tx"
	ClassBlob        Ref = "core:class:Blob"
)

// Attribute names used by the core classes.
const (
	AttrNameMembers  = "members"
	AttrNamePrivate  = "private"
	AttrNameArchived = "archived"
	AttrNameOwners   = "owners"
	AttrNameAutoJoin = "autoJoin"

	AttrNameSequence = "sequence"
	AttrNamePrefix   = "prefix"

	AttrNameUser   = "user"
	AttrNameOnline = "online"

	AttrNameTrigger = "trigger"
	AttrNameTxMatch = "txMatch"
	AttrNameIsAsync = "isAsync"

	AttrNameFile        = "file"
	AttrNameSize        = "size"
	AttrNameContentType = "contentType"
)

// SpaceSensitiveFields are the Space attributes guests may never change.
var SpaceSensitiveFields = []string{AttrNameMembers, AttrNamePrivate, AttrNameArchived, AttrNameOwners, AttrNameAutoJoin}

// NewCoreHierarchy returns a hierarchy holding the core classes.
func NewCoreHierarchy() *Hierarchy {
	h := NewHierarchy()
	h.MustAddClass(Class{ID: ClassDoc, Domain: DomainDocument})
	h.MustAddClass(Class{ID: ClassAttachedDoc, Extends: ClassDoc})
	h.MustAddClass(Class{
		ID:      ClassSpace,
		Extends: ClassDoc,
		Domain:  DomainSpace,
		Attributes: []Attribute{
			{Name: AttrNameMembers, Type: AttrArray, Of: ClassDoc},
			{Name: AttrNamePrivate, Type: AttrBool},
			{Name: AttrNameArchived, Type: AttrBool},
			{Name: AttrNameOwners, Type: AttrArray},
			{Name: AttrNameAutoJoin, Type: AttrBool},
		},
	})
	h.MustAddClass(Class{
		ID:      ClassSequence,
		Extends: ClassDoc,
		Domain:  DomainSequence,
		Attributes: []Attribute{
			{Name: AttrNamePrefix, Type: AttrString},
			{Name: AttrNameSequence, Type: AttrNumber},
		},
	})
	h.MustAddClass(Class{
		ID:      ClassUserStatus,
		Extends: ClassDoc,
		Domain:  DomainStatus,
		Attributes: []Attribute{
			{Name: AttrNameUser, Type: AttrRef},
			{Name: AttrNameOnline, Type: AttrBool},
		},
	})
	h.MustAddClass(Class{
		ID:      ClassTrigger,
		Extends: ClassDoc,
		Domain:  DomainModel,
		Attributes: []Attribute{
			{Name: AttrNameTrigger, Type: AttrRef},
			{Name: AttrNameTxMatch, Type: AttrString},
			{Name: AttrNameIsAsync, Type: AttrBool},
		},
	})
	h.MustAddClass(Class{ID: ClassTx, Extends: ClassDoc, Domain: DomainTx})
	h.MustAddClass(Class{
		ID:      ClassBlob,
		Extends: ClassAttachedDoc,
		Domain:  DomainBlob,
		Attributes: []Attribute{
			{Name: AttrNameFile, Type: AttrString},
			{Name: AttrNameSize, Type: AttrNumber},
			{Name: AttrNameContentType, Type: AttrString},
		},
	})
	return h
}

// IsSpace reports whether cls is a space class.
func (h *Hierarchy) IsSpace(cls Ref) bool { return h.IsDerived(cls, ClassSpace) }
