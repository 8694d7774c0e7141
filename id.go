package tollgate

import "github.com/xraph/tollgate/id"

// ID is the identifier type of entitlements.
type ID = id.ID

// ParseID parses an entitlement ID string.
var ParseID = id.ParseEntitlementID
