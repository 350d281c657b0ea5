package event

// Event kinds used by haven.
const (
	KindApplication      = 9
	KindSeal             = 13
	KindKeyPackage       = 443
	KindWelcome          = 444
	KindGroupMessage     = 445
	KindGiftWrap         = 1059
	KindKeyPackageRelays = 10051
)

// KindName returns a short label for logs.
func KindName(kind int) string {
	switch kind {
	case KindApplication:
		return "application"
	case KindSeal:
		return "seal"
	case KindKeyPackage:
		return "key_package"
	case KindWelcome:
		return "welcome"
	case KindGroupMessage:
		return "group_message"
	case KindGiftWrap:
		return "gift_wrap"
	case KindKeyPackageRelays:
		return "key_package_relays"
	default:
		return "unknown"
	}
}
