package fsm

// Properties are last-writer-wins by log order (spec §3). Global
// properties live directly on the state machine; member-scoped ones live
// on the member record and are released with it.

func (f *fsm) setProperty(memberID, name string, value []byte) error {
	if memberID == "" {
		f.properties[name] = value
		return nil
	}
	m, ok := f.members[memberID]
	if !ok {
		return ErrUnknownMember
	}
	if m.Properties == nil {
		m.Properties = make(map[string][]byte)
	}
	m.Properties[name] = value
	return nil
}

func (f *fsm) getProperty(memberID, name string) ([]byte, bool, error) {
	if memberID == "" {
		v, ok := f.properties[name]
		return v, ok, nil
	}
	m, ok := f.members[memberID]
	if !ok {
		return nil, false, ErrUnknownMember
	}
	v, ok := m.Properties[name]
	return v, ok, nil
}

func (f *fsm) removeProperty(memberID, name string) error {
	if memberID == "" {
		delete(f.properties, name)
		return nil
	}
	m, ok := f.members[memberID]
	if !ok {
		return ErrUnknownMember
	}
	delete(m.Properties, name)
	return nil
}
