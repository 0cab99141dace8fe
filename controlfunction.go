package isobus

// ClaimState is the address-claim state of an InternalCF.
type ClaimState int

const (
	ClaimNone ClaimState = iota
	ClaimWaitForContest
	ClaimClaimed
	ClaimFailed
)

func (s ClaimState) String() string {
	switch s {
	case ClaimNone:
		return "None"
	case ClaimWaitForContest:
		return "WaitForContest"
	case ClaimClaimed:
		return "Claimed"
	case ClaimFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// InternalCF is a control function owned by this node: it holds a NAME, a
// preferred address, the address it currently occupies (if any), and the
// address-claim state machine's state.
type InternalCF struct {
	NAME             Name
	PreferredAddress uint8
	CurrentAddress   uint8
	State            ClaimState
}

// NewInternalCF creates an InternalCF awaiting its first start(), with
// CurrentAddress set to NullAddress until claimed.
func NewInternalCF(name Name, preferredAddress uint8) *InternalCF {
	return &InternalCF{
		NAME:             name,
		PreferredAddress: preferredAddress,
		CurrentAddress:   NullAddress,
		State:            ClaimNone,
	}
}

// IsClaimed reports whether this CF currently holds a valid, defended
// address: claim-state is Claimed and current-address is not NullAddress.
func (cf *InternalCF) IsClaimed() bool {
	return cf.State == ClaimClaimed && cf.CurrentAddress != NullAddress
}

// NameFilterField names one of Name's bitfields, for partner matching.
type NameFilterField int

const (
	FilterIdentityNumber NameFilterField = iota
	FilterManufacturerCode
	FilterECUInstance
	FilterFunctionInstance
	FilterFunctionCode
	FilterDeviceClass
	FilterDeviceClassInstance
	FilterIndustryGroup
	FilterSelfConfigurable
)

// NameFilter is one equality predicate tested against an observed Name's
// named field.
type NameFilter struct {
	Field NameFilterField
	Value uint64
}

func (f NameFilter) matches(n Name) bool {
	fields := n.Fields()
	var v uint64
	switch f.Field {
	case FilterIdentityNumber:
		v = uint64(fields.IdentityNumber)
	case FilterManufacturerCode:
		v = uint64(fields.ManufacturerCode)
	case FilterECUInstance:
		v = uint64(fields.ECUInstance)
	case FilterFunctionInstance:
		v = uint64(fields.FunctionInstance)
	case FilterFunctionCode:
		v = uint64(fields.FunctionCode)
	case FilterDeviceClass:
		v = uint64(fields.DeviceClass)
	case FilterDeviceClassInstance:
		v = uint64(fields.DeviceClassInst)
	case FilterIndustryGroup:
		v = uint64(fields.IndustryGroup)
	case FilterSelfConfigurable:
		if fields.SelfConfigurable {
			v = 1
		}
	}
	return v == f.Value
}

// PartnerCF is a remote control function this node wants to recognise by
// NAME. Address and Online are maintained by Registry as address-claim
// traffic for the matching NAME is observed.
type PartnerCF struct {
	Filters []NameFilter
	Address uint8
	NAME    Name
	Online  bool
}

// Matches reports whether every one of p's filters holds for name.
func (p *PartnerCF) Matches(name Name) bool {
	for _, f := range p.Filters {
		if !f.matches(name) {
			return false
		}
	}
	return true
}

// Registry indexes the control functions known on one port: internal CFs
// owned by this node, and partner descriptors this node is tracking. CFs
// are referenced by pointer, which stays stable for the CF's lifetime in
// the registry.
type Registry struct {
	internals []*InternalCF
	partners  []*PartnerCF
	byAddress map[uint8]*InternalCF
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byAddress: make(map[uint8]*InternalCF),
	}
}

// AddInternal registers an internal CF with the registry.
func (r *Registry) AddInternal(cf *InternalCF) {
	r.internals = append(r.internals, cf)
}

// AddPartner registers a partner descriptor with the registry.
func (r *Registry) AddPartner(p *PartnerCF) {
	r.partners = append(r.partners, p)
}

// Internals returns every registered internal CF.
func (r *Registry) Internals() []*InternalCF {
	return r.internals
}

// Partners returns every registered partner descriptor.
func (r *Registry) Partners() []*PartnerCF {
	return r.partners
}

// InternalByAddress looks up a Claimed internal CF occupying address.
func (r *Registry) InternalByAddress(address uint8) (*InternalCF, bool) {
	for _, cf := range r.internals {
		if cf.IsClaimed() && cf.CurrentAddress == address {
			return cf, true
		}
	}
	return nil, false
}

// InternalByName looks up an internal CF by its NAME.
func (r *Registry) InternalByName(name Name) (*InternalCF, bool) {
	for _, cf := range r.internals {
		if cf.NAME == name {
			return cf, true
		}
	}
	return nil, false
}

// OnAddressClaim updates partner address/online bookkeeping in response to
// an observed address-claim: every partner whose filters match name is
// marked online at address. Any partner previously recorded at address
// under a different (non-matching) NAME is marked offline, since the
// address has been reassigned.
func (r *Registry) OnAddressClaim(address uint8, name Name) {
	for _, p := range r.partners {
		if p.Matches(name) {
			p.Address = address
			p.NAME = name
			p.Online = true
		} else if p.Address == address && p.Online {
			p.Online = false
		}
	}
}

// PartnerByAddress returns the partner currently believed to occupy address.
func (r *Registry) PartnerByAddress(address uint8) (*PartnerCF, bool) {
	for _, p := range r.partners {
		if p.Online && p.Address == address {
			return p, true
		}
	}
	return nil, false
}
