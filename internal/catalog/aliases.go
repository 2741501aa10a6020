package catalog

// field names the normalized targets resolved through the alias table.
type field int

const (
	fieldIdentity field = iota
	fieldDisplayName
	fieldSlug
	fieldRate
	fieldBaseRate
	fieldCategory
	fieldStartsAt
	fieldEndsAt
	fieldURL
	fieldImageURL
)

// aliasTable maps each target field to the upstream keys tried in order.
// The first present, non-null, non-empty value wins.
type aliasTable map[field][]string

var shopAliases = aliasTable{
	fieldIdentity:    {"uuid", "id", "shopId", "merchantId", "slug"},
	fieldDisplayName: {"name", "merchant", "title", "shopName"},
	fieldSlug:        {"slug"},
	fieldRate:        {"points_channel", "points", "multiplier", "pointsPerKr", "points_per_kr"},
	fieldBaseRate:    {"points"},
	fieldCategory:    {"categoryId", "category_id", "category"},
	fieldStartsAt:    {"campaign_starts_date", "starts_at", "startsAt"},
	fieldEndsAt:      {"campaign_ends_date", "ends_at", "endsAt"},
	fieldURL:         {"url", "link", "href", "tracking_url", "trackingUrl"},
	fieldImageURL:    {"image_url", "logo", "image"},
}

var campaignAliases = aliasTable{
	fieldIdentity:    {"uuid", "id", "campaignId", "slug"},
	fieldDisplayName: {"name", "shopName", "merchant", "title"},
	fieldSlug:        {"slug"},
	fieldRate:        {"points_campaign", "multiplier", "points", "pointsPerKr", "points_per_kr"},
	fieldBaseRate:    {"points"},
	fieldCategory:    {"categoryId", "category_id", "category"},
	fieldStartsAt:    {"campaign_starts_date", "starts_at", "startsAt"},
	fieldEndsAt:      {"campaign_ends_date", "ends_at", "endsAt"},
	fieldURL:         {"url", "link", "href", "tracking_url", "trackingUrl"},
	fieldImageURL:    {"image_banner_url", "image_url", "image"},
}

func aliasesFor(k Kind) aliasTable {
	if k == KindCampaign {
		return campaignAliases
	}
	return shopAliases
}
