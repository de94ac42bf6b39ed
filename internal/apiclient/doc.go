// Package apiclient is the authenticated client for the license server API.
//
// Every outbound request carries the bearer token that is in the credential
// store at the moment of dispatch. When the server answers 401 the client
// refreshes the credential pair once and replays the request once:
//
//	client, err := apiclient.New("http://localhost:8080/api", store,
//		apiclient.WithNavigator(apiclient.NavigatorFunc(func(ctx context.Context, cause error) {
//			// send the user back to the login entry point
//		})),
//	)
//	if _, err := client.Login(ctx, "admin@example.com", password); err != nil { ... }
//	var apps []Application
//	err = client.DoJSON(ctx, http.MethodGet, "/applications", nil, &apps)
//
// # Refresh coordination
//
// Concurrent requests that fail with 401 share a single refresh call and its
// result. A refresh that cannot succeed (no refresh token, rejected by the
// server, or a transport failure) ends the session: the store is cleared and
// the Navigator is notified once. The failed request surfaces as an
// *AuthorizationError.
//
// Non-401 responses pass through untouched. Transport returns them as-is;
// DoJSON turns non-2xx statuses into *HTTPError.
package apiclient
