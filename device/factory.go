package device

// Factory builds the descriptor of a configured device from its `key=value` spec.
type Factory interface {
	FromSpec(spec DeviceSpec) (Descriptor, error)
}

// FactoryDocs is implemented by factories documenting the parameters they accept.
type FactoryDocs interface {
	Help() string
}

// FromString parses s as a device spec and hands it to f.
func FromString(f Factory, s string) (Descriptor, error) {
	return f.FromSpec(NewDeviceSpec(s))
}

// Usage returns the command line help for devices built by f.
func Usage(f Factory) string {
	help := "Device spec for this device in the form of `key=value,key=value`. Can be repeated."

	if docs, ok := f.(FactoryDocs); ok {
		help += "\n" + docs.Help()
	}

	return help
}
