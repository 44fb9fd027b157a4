// Package plugin loads the units of RPC methods a relay serves.
//
// Every plugin registers its methods under its own module name through an
// API handed to it at load time. Go plugins are compiled in; JavaScript
// plugins are files loaded from a directory at startup. A script must
// define a plugin(api) function:
//
//	function plugin(api) {
//	    api.registerMethod("echo", {
//	        cacheable: true,
//	        handler: function (data) {
//	            return data;
//	        },
//	    });
//	}
//
// The file name, slugified, is the module name: echo.js serves "echo.echo".
package plugin
