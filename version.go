package cortex

// ProductName and Version identify this client to the query service. They are
// sent as the User-Agent and as clientType/clientVersion on job creation.
const (
	ProductName = "cortex-data-lake-go"
	Version     = "2.0.0"
)

// UserAgent returns the default User-Agent header value.
func UserAgent() string {
	return ProductName + "/" + Version
}
